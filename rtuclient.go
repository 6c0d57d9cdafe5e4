// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"time"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuDefaultSlaveID = 1
)

// RTUClientHandler implements Packager and Transporter interface.
type RTUClientHandler struct {
	rtuPackager
	rtuSerialTransporter
}

// NewRTUClientHandler allocates and initializes a RTUClientHandler talking
// to slave 1 at 19200 baud, 8N1.
func NewRTUClientHandler(address string) *RTUClientHandler {
	handler := &RTUClientHandler{}
	handler.SlaveID = rtuDefaultSlaveID
	handler.Address = address
	handler.BaudRate = serialBaudRate
	handler.DataBits = 8
	handler.StopBits = 1
	handler.Parity = "N"
	handler.Timeout = serialTimeout
	return handler
}

// rtuPackager implements Packager interface.
type rtuPackager struct {
	SlaveID byte
}

// SetSlave sets modbus slave id for the next client operations
func (mb *rtuPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte
func (mb *rtuPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, rtuMaxSize)
		return
	}
	adu = make([]byte, length)

	adu[0] = mb.SlaveID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	// Append crc
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := crc.value()

	adu[length-1] = byte(checksum >> 8)
	adu[length-2] = byte(checksum)
	return
}

// Verify verifies response length and slave id.
func (mb *rtuPackager) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	length := len(aduResponse)
	// Minimum size (including address, function and CRC)
	if length < rtuMinSize {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	// Slave address must match
	if aduResponse[0] != aduRequest[0] {
		err = fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", aduResponse[0], aduRequest[0])
		return
	}
	return
}

// Decode extracts PDU from RTU frame and verify CRC.
func (mb *rtuPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	length := len(adu)
	if length < rtuMinSize {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	// Calculate checksum
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if checksum != crc.value() {
		err = fmt.Errorf("modbus: response crc '%v' does not match expected '%v'", checksum, crc.value())
		return
	}
	// Function code & data
	pdu = &ProtocolDataUnit{}
	pdu.FunctionCode = adu[1]
	pdu.Data = adu[2 : length-2]
	return
}

// rtuSerialTransporter implements Transporter interface. A serial line can
// not interleave requests, so every Send must be followed by its Receive.
type rtuSerialTransporter struct {
	serialPort
}

// Send waits for the inter-frame silence and writes the request.
func (mb *rtuSerialTransporter) Send(aduRequest []byte) (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Make sure port is connected
	if err = mb.connect(); err != nil {
		return
	}
	if wait := time.Until(mb.lastActivity.Add(mb.frameDelay())); wait > 0 {
		time.Sleep(wait)
	}

	mb.logf("modbus: send % x", aduRequest)
	if _, err = mb.port.Write(aduRequest); err != nil {
		return
	}
	mb.lastActivity = time.Now()
	return
}

// Receive reads one response frame. The frame carries no length, so it is
// derived from the function code:
//
//	Read (1, 2, 3, 4)       : byte count N, N data bytes, CRC
//	Write (5, 6, 15, 16)    : 4 echo bytes, CRC
//	Exception (0x80 set)    : exception code, CRC
func (mb *rtuSerialTransporter) Receive(aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.port == nil {
		err = &ConnectError{Address: mb.Address, Err: errors.New("port is not open")}
		return
	}
	defer func() {
		mb.lastActivity = time.Now()
	}()

	data := make([]byte, 2, 3+255+2)
	if err = mb.readFull(data); err != nil {
		return
	}

	var remaining int
	switch function := data[1]; {
	case function >= FuncCodeReadCoils && function <= FuncCodeReadInputRegisters:
		data = data[:3]
		if err = mb.readFull(data[2:]); err != nil {
			return
		}
		remaining = int(data[2]) + 2
	case function == FuncCodeWriteSingleCoil, function == FuncCodeWriteSingleRegister,
		function == FuncCodeWriteMultipleCoils, function == FuncCodeWriteMultipleRegisters:
		remaining = 6
	case function&exceptionBit != 0:
		remaining = 3
	default:
		mb.logf("modbus: recv % x", data)
		err = fmt.Errorf("%w '%v'", ErrUnsupportedFunction, function)
		return
	}

	start := len(data)
	data = data[:start+remaining]
	err = mb.readFull(data[start:])
	mb.logf("modbus: recv % x", data)
	if err != nil {
		return
	}
	aduResponse = data
	return
}

// frameDelay returns the t3.5 silent interval separating two frames.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (mb *rtuSerialTransporter) frameDelay() time.Duration {
	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		return 1750 * time.Microsecond
	}
	// 3.5 characters of 11 bits each
	return time.Duration(38500000/mb.BaudRate) * time.Microsecond
}
