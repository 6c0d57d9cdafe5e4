// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// logger is the interface to the required logging functions
type logger interface {
	Printf(format string, v ...interface{})
}

type client struct {
	packager    Packager
	transporter Transporter
}

// readRequest builds the request reading a whole access.
//
// Request:
//
//	Function code         : 1 byte (0x01, 0x02, 0x03 or 0x04)
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
//
// Response:
//
//	Function code         : 1 byte
//	Byte count            : 1 byte
//	Coil status / values  : N bytes
func readRequest(a *Access) ProtocolDataUnit {
	var functionCode byte
	switch a.Kind {
	case Coil:
		functionCode = FuncCodeReadCoils
	case DiscreteInput:
		functionCode = FuncCodeReadDiscreteInputs
	case HoldingRegister:
		functionCode = FuncCodeReadHoldingRegisters
	default:
		functionCode = FuncCodeReadInputRegisters
	}
	return ProtocolDataUnit{
		FunctionCode: functionCode,
		Data:         dataBlock(a.Base, uint16(a.Size)),
	}
}

// writeRequest builds the request writing a whole access. One coil or
// register is written with the single write functions.
//
// Request (0x05, 0x06):
//
//	Function code         : 1 byte
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Request (0x0F, 0x10):
//
//	Function code         : 1 byte
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte
//	Address               : 2 bytes
//	Value or quantity     : 2 bytes
func writeRequest(a *Access) (ProtocolDataUnit, error) {
	if a.Kind == Coil {
		bits := make([]bool, 0, a.Size)
		for _, spec := range a.Specs {
			b, err := encodeBits(spec.Size(), *spec.Value)
			if err != nil {
				return ProtocolDataUnit{}, &ParseError{Token: spec.String(), Err: err}
			}
			bits = append(bits, b...)
		}
		if len(bits) == 1 {
			// The requested ON/OFF state can only be 0xFF00 and 0x0000
			var value uint16
			if bits[0] {
				value = 0xFF00
			}
			return ProtocolDataUnit{
				FunctionCode: FuncCodeWriteSingleCoil,
				Data:         dataBlock(a.Base, value),
			}, nil
		}
		return ProtocolDataUnit{
			FunctionCode: FuncCodeWriteMultipleCoils,
			Data:         dataBlockSuffix(packBits(bits), a.Base, uint16(len(bits))),
		}, nil
	}

	payload := make([]byte, 0, 2*a.Size)
	for _, spec := range a.Specs {
		b, err := encodeField(spec.Format, a.Order, *spec.Value)
		if err != nil {
			return ProtocolDataUnit{}, &ParseError{Token: spec.String(), Err: err}
		}
		payload = append(payload, b...)
	}
	if len(payload) == 2 {
		return ProtocolDataUnit{
			FunctionCode: FuncCodeWriteSingleRegister,
			Data:         dataBlock(a.Base, binary.BigEndian.Uint16(payload)),
		}, nil
	}
	return ProtocolDataUnit{
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Data:         dataBlockSuffix(payload, a.Base, uint16(len(payload)/2)),
	}, nil
}

// checkReadResponse validates the byte count of a read response and returns
// the data bytes.
func checkReadResponse(a *Access, response *ProtocolDataUnit) ([]byte, error) {
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", length, count)
	}
	expected := 2 * a.Size
	if a.Kind.bitwise() {
		expected = (a.Size + 7) / 8
	}
	if count != expected {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", count, expected)
	}
	return response.Data[1:], nil
}

// checkWriteResponse validates the echo of a write: the address followed by
// the value (single writes) or the quantity (multiple writes).
func checkWriteResponse(request, response *ProtocolDataUnit) error {
	// Fixed response length
	if len(response.Data) != 4 {
		return fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	reqValue := binary.BigEndian.Uint16(request.Data)
	if reqValue != respValue {
		return fmt.Errorf("modbus: response address '%v' does not match request '%v'", respValue, reqValue)
	}
	respValue = binary.BigEndian.Uint16(response.Data[2:])
	reqValue = binary.BigEndian.Uint16(request.Data[2:])
	if reqValue != respValue {
		what := "quantity"
		if request.FunctionCode == FuncCodeWriteSingleCoil || request.FunctionCode == FuncCodeWriteSingleRegister {
			what = "value"
		}
		return fmt.Errorf("modbus: response %v '%v' does not match request '%v'", what, respValue, reqValue)
	}
	return nil
}

// Helpers

// send encodes and sends request. The returned frame is needed to receive
// the matching response.
func (mb *client) send(request *ProtocolDataUnit) ([]byte, error) {
	aduRequest, err := mb.packager.Encode(request)
	if err != nil {
		return nil, err
	}
	if err = mb.transporter.Send(aduRequest); err != nil {
		return nil, err
	}
	return aduRequest, nil
}

// receive reads the response to aduRequest and checks possible exception
// in it.
func (mb *client) receive(request *ProtocolDataUnit, aduRequest []byte) (*ProtocolDataUnit, error) {
	aduResponse, err := mb.transporter.Receive(aduRequest)
	if err != nil {
		return nil, err
	}
	if err := mb.packager.Verify(aduRequest, aduResponse); err != nil {
		return nil, err
	}
	response, err := mb.packager.Decode(aduResponse)
	if err != nil {
		return nil, err
	}
	// Check correct function code returned (exception)
	if response.FunctionCode == request.FunctionCode|exceptionBit {
		return nil, responseError(response)
	}
	if response.FunctionCode != request.FunctionCode {
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", response.FunctionCode, request.FunctionCode)
	}
	if len(response.Data) == 0 {
		// Empty response
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	return response, nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &Error{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = response.Data[0]
	}
	return mbError
}
