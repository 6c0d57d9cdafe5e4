// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"sort"
)

// Quantity limits of a single request.
const (
	maxReadBits       = 2000
	maxWriteBits      = 1968
	maxReadRegisters  = 125
	maxWriteRegisters = 123
)

var errQuantity = errors.New("field exceeds the quantity of a single request")

// Access is a run of fields issued as one request: same kind, same
// direction, same byte order and contiguous addresses.
type Access struct {
	Kind  Kind
	Write bool
	Order ByteOrder
	// Base is the address of the first field.
	Base uint16
	// Size is the number of registers (or coils) covered.
	Size  int
	Specs []RegisterSpec
}

func (a *Access) String() string {
	direction := "read"
	if a.Write {
		direction = "write"
	}
	return fmt.Sprintf("%v %v %d+%d (%v)", direction, a.Kind, a.Base, a.Size, a.Order)
}

// maxQuantity returns the largest Size of a request for the kind and
// direction.
func maxQuantity(kind Kind, write bool) int {
	switch {
	case kind.bitwise() && write:
		return maxWriteBits
	case kind.bitwise():
		return maxReadBits
	case write:
		return maxWriteRegisters
	}
	return maxReadRegisters
}

// Group merges fields into the fewest accesses. Fields are ordered by
// kind, direction and byte order, then by address; a field joins the
// current access when it starts right where the access ends and the
// request stays within its quantity limit. policy resolves fields that
// follow the byte order of the run.
func Group(specs []RegisterSpec, policy ByteOrder) ([]Access, error) {
	type keyed struct {
		spec  RegisterSpec
		order ByteOrder
	}
	var errs []error
	sorted := make([]keyed, 0, len(specs))
	for _, spec := range specs {
		if spec.Size() > maxQuantity(spec.Kind, spec.Write()) {
			errs = append(errs, &ParseError{Token: spec.String(), Err: errQuantity})
			continue
		}
		order := spec.Format.Order(policy)
		if spec.Kind.bitwise() {
			order = policy
		}
		sorted = append(sorted, keyed{spec: spec, order: order})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.spec.Kind != b.spec.Kind {
			return a.spec.Kind < b.spec.Kind
		}
		if a.spec.Write() != b.spec.Write() {
			return !a.spec.Write()
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.spec.Address < b.spec.Address
	})

	var accesses []Access
	for _, k := range sorted {
		if n := len(accesses); n > 0 {
			last := &accesses[n-1]
			if last.Kind == k.spec.Kind && last.Write == k.spec.Write() && last.Order == k.order &&
				int(last.Base)+last.Size == int(k.spec.Address) &&
				last.Size+k.spec.Size() <= maxQuantity(last.Kind, last.Write) {
				last.Specs = append(last.Specs, k.spec)
				last.Size += k.spec.Size()
				continue
			}
		}
		accesses = append(accesses, Access{
			Kind:  k.spec.Kind,
			Write: k.spec.Write(),
			Order: k.order,
			Base:  k.spec.Address,
			Size:  k.spec.Size(),
			Specs: []RegisterSpec{k.spec},
		})
	}
	return accesses, nil
}
