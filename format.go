// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Byte order prefixes of a format string. '!', '=' and '@' follow the
// byte order policy of the run; '<' and '>' pin the field's order.
const (
	prefixNetwork = '!'
	prefixNative  = '='
	prefixAligned = '@'
	prefixLittle  = '<'
	prefixBig     = '>'
)

// codeSizes maps each supported type code to its size in bytes.
var codeSizes = map[byte]int{
	'x': 1, // pad byte
	'c': 1, // char
	'b': 1, // int8
	'B': 1, // uint8
	'?': 1, // bool
	'h': 2, // int16
	'H': 2, // uint16
	'e': 2, // float16
	'i': 4, // int32
	'I': 4, // uint32
	'l': 4, // int32
	'L': 4, // uint32
	'f': 4, // float32
	'q': 8, // int64
	'Q': 8, // uint64
	'd': 8, // float64
	's': 1, // byte string, the count is its length
}

// maxFormatSize is the number of bytes held by the whole register space.
const maxFormatSize = 0x10000 * 2

var (
	errEmptyFormat    = errors.New("format describes no data")
	errFormatTooLarge = errors.New("format exceeds the register space")
)

type formatItem struct {
	count int
	code  byte
}

// elements returns the number of values the item stands for.
func (it formatItem) elements() int {
	switch it.code {
	case 'x':
		return 0
	case 's':
		return 1
	}
	return it.count
}

// Format describes the layout of one field, e.g. "<4H" or "!2f".
type Format struct {
	text   string
	prefix byte
	items  []formatItem
}

// ParseFormat parses a format string. A missing byte order prefix is
// replaced by '!'.
func ParseFormat(s string) (Format, error) {
	f := Format{prefix: prefixNetwork}
	body := s
	if body != "" && strings.IndexByte("!=@<>", body[0]) >= 0 {
		f.prefix = body[0]
		body = body[1:]
	}
	f.text = string(f.prefix) + body

	var size int
	for i := 0; i < len(body); {
		if body[i] == ' ' || body[i] == '\t' {
			i++
			continue
		}
		j := i
		for j < len(body) && body[j] >= '0' && body[j] <= '9' {
			j++
		}
		count := 1
		if j > i {
			n, err := strconv.Atoi(body[i:j])
			if err != nil {
				return Format{}, fmt.Errorf("bad repeat count in format %q: %w", s, err)
			}
			count = n
		}
		if j == len(body) {
			return Format{}, fmt.Errorf("repeat count without type code in format %q", s)
		}
		code := body[j]
		codeSize, ok := codeSizes[code]
		if !ok {
			return Format{}, fmt.Errorf("bad type code %q in format %q", code, s)
		}
		if count > (maxFormatSize-size)/codeSize {
			return Format{}, fmt.Errorf("%w: %q", errFormatTooLarge, s)
		}
		size += count * codeSize
		f.items = append(f.items, formatItem{count: count, code: code})
		i = j + 1
	}
	if f.Size() == 0 {
		return Format{}, fmt.Errorf("%w: %q", errEmptyFormat, s)
	}
	return f, nil
}

// MustParseFormat is like ParseFormat but panics if the format is invalid.
func MustParseFormat(s string) Format {
	f, err := ParseFormat(s)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the format as written, with its byte order prefix.
func (f Format) String() string {
	return f.text
}

// Size returns the number of bytes described by the format.
func (f Format) Size() int {
	var size int
	for _, it := range f.items {
		size += it.count * codeSizes[it.code]
	}
	return size
}

// Elements returns the number of values a field of this format holds.
func (f Format) Elements() int {
	var n int
	for _, it := range f.items {
		n += it.elements()
	}
	return n
}

// Order resolves the byte order of the format under the policy of the run.
func (f Format) Order(policy ByteOrder) ByteOrder {
	switch f.prefix {
	case prefixLittle:
		return LittleEndian
	case prefixBig:
		return BigEndian
	}
	return policy
}
