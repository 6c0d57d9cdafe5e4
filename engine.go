// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
)

// FieldValue is the outcome of reading one field.
type FieldValue struct {
	Spec RegisterSpec
	// Values holds one entry per element of the field's format.
	Values []interface{}
	// Err is set, and Values empty, when the device refused the access.
	Err error
}

// Value returns the single value of a one element field, or all values.
func (v FieldValue) Value() interface{} {
	if len(v.Values) == 1 {
		return v.Values[0]
	}
	return v.Values
}

// Result is the outcome of one access.
type Result struct {
	Access Access
	// Fields holds the decoded fields of a read.
	Fields []FieldValue
	// Err is the exception returned by the device, if any.
	Err error
}

// Report collects the outcome of a run.
type Report struct {
	Results  []Result
	Warnings []Warning
}

// Engine drives accesses through a transport.
type Engine struct {
	client     client
	pipeline   bool
	mismatches mismatchReporter
}

// NewEngine returns an engine using t. Transports that are able to carry
// several outstanding requests are pipelined.
func NewEngine(t Transport) *Engine {
	e := &Engine{client: client{packager: t, transporter: t}}
	if p, ok := t.(pipeliner); ok {
		e.pipeline = p.Pipelined()
	}
	e.mismatches, _ = t.(mismatchReporter)
	return e
}

type pending struct {
	access     *Access
	request    ProtocolDataUnit
	aduRequest []byte
}

// Perform executes the accesses in order and hands the fields read to
// presenter, which may be nil. Exceptions raised by the device only fail
// their access and are reported as warnings; any other error ends the run
// since the link can no longer be trusted.
func (e *Engine) Perform(accesses []Access, presenter Presenter) (*Report, error) {
	report := &Report{}
	if !e.pipeline {
		for i := range accesses {
			p, err := e.send(&accesses[i])
			if err != nil {
				return report, err
			}
			if err = e.receive(p, presenter, report); err != nil {
				return report, err
			}
		}
		return report, nil
	}

	sent := make([]*pending, 0, len(accesses))
	for i := range accesses {
		p, err := e.send(&accesses[i])
		if err != nil {
			return report, err
		}
		sent = append(sent, p)
	}
	for _, p := range sent {
		if err := e.receive(p, presenter, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (e *Engine) send(a *Access) (*pending, error) {
	p := &pending{access: a}
	if a.Write {
		request, err := writeRequest(a)
		if err != nil {
			return nil, err
		}
		p.request = request
	} else {
		p.request = readRequest(a)
	}
	aduRequest, err := e.client.send(&p.request)
	if err != nil {
		return nil, err
	}
	p.aduRequest = aduRequest
	return p, nil
}

func (e *Engine) receive(p *pending, presenter Presenter, report *Report) error {
	a := p.access
	result := Result{Access: *a}

	response, err := e.client.receive(&p.request, p.aduRequest)
	if e.mismatches != nil {
		if mismatch := e.mismatches.takeMismatch(); mismatch != nil {
			report.Warnings = append(report.Warnings, Warning{Subject: a.String(), Err: mismatch})
		}
	}
	switch {
	case IsException(err):
		result.Err = err
		report.Warnings = append(report.Warnings, Warning{Subject: a.String(), Err: err})
		if !a.Write {
			for _, spec := range a.Specs {
				result.Fields = append(result.Fields, FieldValue{Spec: spec, Err: err})
			}
		}
	case err != nil:
		return err
	case a.Write:
		if err = checkWriteResponse(&p.request, response); err != nil {
			return err
		}
	default:
		data, err := checkReadResponse(a, response)
		if err != nil {
			return err
		}
		if result.Fields, err = decodeAccess(a, data); err != nil {
			return err
		}
	}

	report.Results = append(report.Results, result)
	if presenter != nil {
		for _, v := range result.Fields {
			presenter.Present(v)
		}
	}
	return nil
}

// decodeAccess splits the data of a read response into its fields.
func decodeAccess(a *Access, data []byte) ([]FieldValue, error) {
	fields := make([]FieldValue, 0, len(a.Specs))
	if a.Kind.bitwise() {
		bits := unpackBits(data, a.Size)
		for _, spec := range a.Specs {
			n := spec.Size()
			fields = append(fields, FieldValue{Spec: spec, Values: decodeBits(bits[:n])})
			bits = bits[n:]
		}
		return fields, nil
	}
	for _, spec := range a.Specs {
		n := spec.Format.Size()
		if len(data) < n {
			return nil, fmt.Errorf("modbus: response too short for '%v'", spec)
		}
		values, err := decodeField(spec.Format, a.Order, data[:n])
		if err != nil {
			return nil, err
		}
		fields = append(fields, FieldValue{Spec: spec, Values: values})
		data = data[n:]
	}
	return fields, nil
}
