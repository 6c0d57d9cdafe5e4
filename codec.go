// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// ByteOrder is the policy used to lay out multi-byte values on registers.
//
// Register words travel big endian. For a value spanning several bytes the
// policies read the concatenated words as follows:
//
//	BigEndian    : as they are            0x1122 0x3344 => 0x11223344
//	LittleEndian : bytes reversed         0x1122 0x3344 => 0x44332211
//	MixedEndian  : word order reversed    0x1122 0x3344 => 0x33441122
type ByteOrder int

// Byte order policies.
const (
	BigEndian ByteOrder = iota
	LittleEndian
	MixedEndian
)

// ParseByteOrder parses "be", "le" or "mixed".
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(s) {
	case "be":
		return BigEndian, nil
	case "le":
		return LittleEndian, nil
	case "mixed":
		return MixedEndian, nil
	}
	return BigEndian, fmt.Errorf("modbus: invalid byte order '%v', valid ones are be, le and mixed", s)
}

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "le"
	case MixedEndian:
		return "mixed"
	}
	return "be"
}

// arrange converts the bytes of one value between the register layout and
// big endian, in place. Every policy is its own inverse.
func (o ByteOrder) arrange(b []byte) {
	switch o {
	case LittleEndian:
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	case MixedEndian:
		for i, j := 0, len(b)-2; i < j; i, j = i+2, j-2 {
			b[i], b[i+1], b[j], b[j+1] = b[j], b[j+1], b[i], b[i+1]
		}
	}
}

// decodeField unpacks the bytes of one register field. Each value is one
// of int64, uint64, float64, bool or string.
func decodeField(f Format, order ByteOrder, data []byte) ([]interface{}, error) {
	if len(data) != f.Size() {
		return nil, fmt.Errorf("modbus: format '%v' needs %d bytes, got %d", f, f.Size(), len(data))
	}
	values := make([]interface{}, 0, f.Elements())
	for _, it := range f.items {
		size := codeSizes[it.code]
		switch it.code {
		case 'x':
			data = data[it.count:]
			continue
		case 's':
			values = append(values, string(data[:it.count]))
			data = data[it.count:]
			continue
		}
		for k := 0; k < it.count; k++ {
			b := make([]byte, size)
			copy(b, data)
			order.arrange(b)
			values = append(values, decodeElement(it.code, b))
			data = data[size:]
		}
	}
	return values, nil
}

func decodeElement(code byte, b []byte) interface{} {
	switch code {
	case 'c':
		return string(b)
	case 'b':
		return int64(int8(b[0]))
	case 'B':
		return uint64(b[0])
	case '?':
		return b[0] != 0
	case 'h':
		return int64(int16(binary.BigEndian.Uint16(b)))
	case 'H':
		return uint64(binary.BigEndian.Uint16(b))
	case 'e':
		return float64(float16.Frombits(binary.BigEndian.Uint16(b)).Float32())
	case 'i', 'l':
		return int64(int32(binary.BigEndian.Uint32(b)))
	case 'I', 'L':
		return uint64(binary.BigEndian.Uint32(b))
	case 'f':
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case 'q':
		return int64(binary.BigEndian.Uint64(b))
	case 'Q':
		return binary.BigEndian.Uint64(b)
	case 'd':
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
	return nil
}

// encodeField packs a literal into the bytes of one register field.
// Fields of several values take them comma separated.
func encodeField(f Format, order ByteOrder, value string) ([]byte, error) {
	literals, err := splitValues(value, f.Elements())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, f.Size())
	for _, it := range f.items {
		switch it.code {
		case 'x':
			out = append(out, make([]byte, it.count)...)
			continue
		case 's':
			b := make([]byte, it.count)
			copy(b, literals[0])
			literals = literals[1:]
			out = append(out, b...)
			continue
		}
		for k := 0; k < it.count; k++ {
			b, err := encodeElement(it.code, literals[0])
			if err != nil {
				return nil, err
			}
			literals = literals[1:]
			order.arrange(b)
			out = append(out, b...)
		}
	}
	return out, nil
}

func encodeElement(code byte, s string) ([]byte, error) {
	var b []byte
	switch code {
	case 'c':
		if len(s) != 1 {
			return nil, fmt.Errorf("modbus: char value %q must be a single byte", s)
		}
		return []byte{s[0]}, nil
	case '?':
		v, err := parseTruthy(s)
		if err != nil {
			return nil, err
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case 'e':
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("modbus: invalid value %q: %w", s, err)
		}
		b = binary.BigEndian.AppendUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case 'f':
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("modbus: invalid value %q: %w", s, err)
		}
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v)))
	case 'd':
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("modbus: invalid value %q: %w", s, err)
		}
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	case 'b', 'h', 'i', 'l', 'q':
		size := codeSizes[code]
		v, err := strconv.ParseInt(s, 0, size*8)
		if err != nil {
			return nil, fmt.Errorf("modbus: invalid value %q: %w", s, err)
		}
		b = appendInteger(b, uint64(v), size)
	case 'B', 'H', 'I', 'L', 'Q':
		size := codeSizes[code]
		v, err := strconv.ParseUint(s, 0, size*8)
		if err != nil {
			return nil, fmt.Errorf("modbus: invalid value %q: %w", s, err)
		}
		b = appendInteger(b, v, size)
	default:
		return nil, fmt.Errorf("modbus: type code %q can not be written", code)
	}
	return b, nil
}

func appendInteger(b []byte, v uint64, size int) []byte {
	switch size {
	case 1:
		return append(b, byte(v))
	case 2:
		return binary.BigEndian.AppendUint16(b, uint16(v))
	case 4:
		return binary.BigEndian.AppendUint32(b, uint32(v))
	}
	return binary.BigEndian.AppendUint64(b, v)
}

func splitValues(value string, n int) ([]string, error) {
	if n == 1 {
		return []string{value}, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("modbus: expected %d comma separated values, got %d in %q", n, len(parts), value)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

// parseTruthy converts a coil literal to its state.
func parseTruthy(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes", "y":
		return true, nil
	case "off", "no", "n":
		return false, nil
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v != 0, nil
	}
	return false, fmt.Errorf("modbus: invalid coil value %q", s)
}

// decodeBits returns the coil states of one bit field as 0 or 1.
func decodeBits(bits []bool) []interface{} {
	values := make([]interface{}, len(bits))
	for i, bit := range bits {
		var v uint64
		if bit {
			v = 1
		}
		values[i] = v
	}
	return values
}

// encodeBits converts the literal of a bit field spanning n coils.
func encodeBits(n int, value string) ([]bool, error) {
	literals, err := splitValues(value, n)
	if err != nil {
		return nil, err
	}
	bits := make([]bool, n)
	for i, s := range literals {
		if bits[i], err = parseTruthy(s); err != nil {
			return nil, err
		}
	}
	return bits, nil
}

// unpackBits expands a coil status block, least significant bit first.
func unpackBits(data []byte, quantity int) []bool {
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}

// packBits is the inverse of unpackBits.
func packBits(bits []bool) []byte {
	data := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		if bit {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}
