// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// TextPresenter prints one line per field:
//
//	label: value [0xhex] [symbol | bit names]
type TextPresenter struct {
	w    io.Writer
	defs Definitions
}

// NewTextPresenter returns a presenter writing to w. defs resolves the
// symbol and bit name tables and may be nil.
func NewTextPresenter(w io.Writer, defs Definitions) *TextPresenter {
	return &TextPresenter{w: w, defs: defs}
}

// Present writes v.
func (p *TextPresenter) Present(v FieldValue) {
	fmt.Fprintln(p.w, FormatField(v, p.defs))
}

// FormatField renders a field the way TextPresenter prints it.
func FormatField(v FieldValue, defs Definitions) string {
	label := v.Spec.DisplayLabel()
	if v.Err != nil {
		return label + ": " + exceptionText(v.Err)
	}
	if len(v.Values) != 1 {
		parts := make([]string, len(v.Values))
		for i, x := range v.Values {
			parts[i] = formatScalar(x)
		}
		return label + ": (" + strings.Join(parts, ", ") + ")"
	}

	value := v.Values[0]
	line := label + ": " + formatScalar(value)
	n, ok := asInteger(value)
	if !ok {
		return line
	}
	line += " " + hexString(value)
	if extra := presentInteger(n, v.Spec.Presenter, defs); extra != "" {
		line += " " + extra
	}
	return line
}

func exceptionText(err error) string {
	var mbError *Error
	if errors.As(err, &mbError) {
		switch mbError.ExceptionCode {
		case ExceptionCodeIllegalDataAddress:
			return "Invalid address"
		case ExceptionCodeIllegalFunction:
			return "Invalid modbus type"
		}
	}
	return err.Error()
}

func presentInteger(n int64, presenter string, defs Definitions) string {
	if presenter == "" || defs == nil {
		return ""
	}
	switch presenter[0] {
	case ':':
		if symbols, ok := defs.Symbols(presenter); ok {
			return symbols[n]
		}
	case '|':
		names, ok := defs.BitNames(presenter)
		if !ok {
			return ""
		}
		bits := make([]int, 0, len(names))
		for bit := range names {
			if bit >= 0 && bit < 64 && uint64(n)&(1<<uint(bit)) != 0 {
				bits = append(bits, bit)
			}
		}
		sort.Ints(bits)
		set := make([]string, len(bits))
		for i, bit := range bits {
			set[i] = names[bit]
		}
		return strings.Join(set, " | ")
	}
	return ""
}

func asInteger(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	}
	return 0, false
}

func hexString(v interface{}) string {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return "-0x" + strconv.FormatUint(uint64(-x), 16)
		}
		return "0x" + strconv.FormatInt(x, 16)
	case uint64:
		return "0x" + strconv.FormatUint(x, 16)
	}
	return ""
}

func formatScalar(v interface{}) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eIN") {
			s += ".0"
		}
		return s
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return strconv.Quote(x)
	}
	return fmt.Sprint(v)
}
