// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// Kind is one of the four register classes.
type Kind byte

// Register classes, named by the letter used in register tokens.
const (
	Coil            Kind = 'c'
	DiscreteInput   Kind = 'd'
	HoldingRegister Kind = 'h'
	InputRegister   Kind = 'i'
)

func (k Kind) String() string {
	switch k {
	case Coil:
		return "coil"
	case DiscreteInput:
		return "discrete input"
	case HoldingRegister:
		return "holding register"
	case InputRegister:
		return "input register"
	}
	return fmt.Sprintf("kind(%q)", byte(k))
}

// bitwise reports whether the kind addresses single bits.
func (k Kind) bitwise() bool {
	return k == Coil || k == DiscreteInput
}

// Writable reports whether values of this kind can be written.
func (k Kind) Writable() bool {
	return k == Coil || k == HoldingRegister
}

// RegisterPattern matches a literal register token:
//
//	[kind@]address[/format][:presenter|\|presenter]
var RegisterPattern = regexp.MustCompile(`^([a-zA-Z]@)?(\d+)(/[^:|]*)?([:|].*)?$`)

var (
	errKind     = errors.New("invalid modbus type, valid ones are c, d, h and i")
	errReadOnly = errors.New("only coils and holding registers are writable")
	errOddSize  = errors.New("register formats must describe an even number of bytes")
	errRange    = errors.New("field exceeds the address space")
)

// ParseError reports a malformed register token. Parsing stops for the
// token but the remaining tokens are still checked.
type ParseError struct {
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("modbus: invalid register '%v': %v", e.Token, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// UnresolvedError reports a token that is neither a literal register nor
// matches any known register name.
type UnresolvedError struct {
	Token string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("modbus: '%v' is not a known named register nor a valid register definition", e.Token)
}

// Warning is a problem that was skipped over.
type Warning struct {
	Subject string
	Err     error
}

func (w Warning) String() string {
	return fmt.Sprintf("%v: %v", w.Subject, w.Err)
}

// RegisterSpec is one field to read or write.
type RegisterSpec struct {
	Kind    Kind
	Address uint16
	Format  Format
	// Label is the register name, empty for literal tokens.
	Label string
	// Presenter references a table in the definitions, including its
	// ':' or '|' prefix.
	Presenter string
	// Value is the literal to write, nil for reads.
	Value *string
}

// Write reports whether the field is written.
func (s RegisterSpec) Write() bool {
	return s.Value != nil
}

// Size returns the number of registers (or coils) the field covers. A bit
// field covers one coil per byte of its format.
func (s RegisterSpec) Size() int {
	if s.Kind.bitwise() {
		return s.Format.Size()
	}
	return s.Format.Size() / 2
}

// DisplayLabel returns the label, or the address for unnamed fields.
func (s RegisterSpec) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return strconv.Itoa(int(s.Address))
}

func (s RegisterSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%c@%d/%v%v", s.Kind, s.Address, s.Format, s.Presenter)
	if s.Value != nil {
		fmt.Fprintf(&b, "=%v", *s.Value)
	}
	return b.String()
}

// ParseRegister parses a literal register token for reading.
func ParseRegister(token string) (RegisterSpec, error) {
	return parseSpec(token, "", nil)
}

// parseSpec parses a register definition. label and value are attached to
// the resulting field.
func parseSpec(def, label string, value *string) (RegisterSpec, error) {
	m := RegisterPattern.FindStringSubmatch(def)
	if m == nil {
		return RegisterSpec{}, &ParseError{Token: def, Err: errors.New("does not match [kind@]address[/format][:presenter]")}
	}
	kindPart, addressPart, formatPart, presenter := m[1], m[2], m[3], m[4]

	spec := RegisterSpec{
		Kind:      HoldingRegister,
		Label:     label,
		Presenter: presenter,
		Value:     value,
	}
	if kindPart != "" {
		spec.Kind = Kind(strings.ToLower(kindPart[:1])[0])
	}
	switch spec.Kind {
	case Coil, DiscreteInput, HoldingRegister, InputRegister:
	default:
		return RegisterSpec{}, &ParseError{Token: def, Err: fmt.Errorf("%w: '%c'", errKind, spec.Kind)}
	}
	if value != nil && !spec.Kind.Writable() {
		return RegisterSpec{}, &ParseError{Token: def, Err: errReadOnly}
	}

	address, err := strconv.ParseUint(addressPart, 10, 16)
	if err != nil {
		return RegisterSpec{}, &ParseError{Token: def, Err: err}
	}
	spec.Address = uint16(address)

	formatText := strings.TrimPrefix(formatPart, "/")
	if formatText == "" {
		if spec.Kind.bitwise() {
			formatText = "!B"
		} else {
			formatText = "!H"
		}
	}
	if spec.Format, err = ParseFormat(formatText); err != nil {
		return RegisterSpec{}, &ParseError{Token: def, Err: err}
	}
	if !spec.Kind.bitwise() && spec.Format.Size()%2 != 0 {
		return RegisterSpec{}, &ParseError{Token: def, Err: errOddSize}
	}
	if int(spec.Address)+spec.Size() > 0x10000 {
		return RegisterSpec{}, &ParseError{Token: def, Err: errRange}
	}
	if value != nil {
		if err = checkValue(spec); err != nil {
			return RegisterSpec{}, &ParseError{Token: def, Err: err}
		}
	}
	return spec, nil
}

// checkValue makes sure the literal of a write converts under its format.
func checkValue(spec RegisterSpec) error {
	if spec.Kind.bitwise() {
		_, err := encodeBits(spec.Size(), *spec.Value)
		return err
	}
	_, err := encodeField(spec.Format, BigEndian, *spec.Value)
	return err
}

// splitAssignment splits "token=value". The first '=' which is not a byte
// order prefix (i.e. directly after '/') separates the value.
func splitAssignment(s string) (token string, value *string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && (i == 0 || s[i-1] != '/') {
			v := s[i+1:]
			return s[:i], &v
		}
	}
	return s, nil
}

// ParseAccesses turns command line tokens into fields. A token is either a
// literal register, optionally followed by "=value", or a shell pattern
// matched against the register names of defs. Tokens matching nothing are
// returned as warnings; malformed tokens are joined into the error.
func ParseAccesses(tokens []string, defs Definitions) ([]RegisterSpec, []Warning, error) {
	var (
		specs    []RegisterSpec
		warnings []Warning
		errs     []error
	)
	for _, token := range tokens {
		register, value := splitAssignment(token)

		if RegisterPattern.MatchString(register) {
			spec, err := parseSpec(register, "", value)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			specs = append(specs, spec)
			continue
		}

		pattern, err := glob.Compile(register)
		if err != nil {
			errs = append(errs, &ParseError{Token: token, Err: err})
			continue
		}
		matched := 0
		if defs != nil {
			for _, name := range defs.Names() {
				if !pattern.Match(name) {
					continue
				}
				def, _ := defs.Lookup(name)
				spec, err := parseSpec(def, name, value)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				specs = append(specs, spec)
				matched++
			}
		}
		if matched == 0 {
			warnings = append(warnings, Warning{Subject: token, Err: &UnresolvedError{Token: register}})
		}
	}
	return specs, warnings, errors.Join(errs...)
}
