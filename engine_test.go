// Copyright 2024 The modbus-cli Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice is an in-memory RTU slave. Responses are queued on Send and
// handed out by Receive in order.
type fakeDevice struct {
	rtuPackager

	coils    map[uint16]bool
	discrete map[uint16]bool
	holding  map[uint16]uint16
	input    map[uint16]uint16
	// exceptions maps a function code to the exception it raises.
	exceptions map[byte]byte

	pipeline   bool
	receiveErr error

	requests []ProtocolDataUnit
	events   []string
	queue    [][]byte
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{
		coils:      map[uint16]bool{},
		discrete:   map[uint16]bool{},
		holding:    map[uint16]uint16{},
		input:      map[uint16]uint16{},
		exceptions: map[byte]byte{},
	}
	d.SlaveID = 1
	return d
}

func (d *fakeDevice) Connect() error  { return nil }
func (d *fakeDevice) Close() error    { return nil }
func (d *fakeDevice) Pipelined() bool { return d.pipeline }

func (d *fakeDevice) Send(aduRequest []byte) error {
	d.events = append(d.events, "send")
	pdu, err := d.Decode(aduRequest)
	if err != nil {
		return err
	}
	d.requests = append(d.requests, *pdu)
	aduResponse, err := d.Encode(d.serve(pdu))
	if err != nil {
		return err
	}
	d.queue = append(d.queue, aduResponse)
	return nil
}

func (d *fakeDevice) Receive([]byte) ([]byte, error) {
	d.events = append(d.events, "recv")
	if d.receiveErr != nil {
		return nil, d.receiveErr
	}
	if len(d.queue) == 0 {
		return nil, ErrTimeout
	}
	aduResponse := d.queue[0]
	d.queue = d.queue[1:]
	return aduResponse, nil
}

func (d *fakeDevice) serve(request *ProtocolDataUnit) *ProtocolDataUnit {
	fc := request.FunctionCode
	if code, ok := d.exceptions[fc]; ok {
		return &ProtocolDataUnit{FunctionCode: fc | exceptionBit, Data: []byte{code}}
	}
	address := binary.BigEndian.Uint16(request.Data)
	value := binary.BigEndian.Uint16(request.Data[2:])

	readBits := func(m map[uint16]bool) *ProtocolDataUnit {
		bits := make([]bool, value)
		for i := range bits {
			bits[i] = m[address+uint16(i)]
		}
		packed := packBits(bits)
		return &ProtocolDataUnit{FunctionCode: fc, Data: append([]byte{byte(len(packed))}, packed...)}
	}
	readRegisters := func(m map[uint16]uint16) *ProtocolDataUnit {
		data := []byte{byte(2 * value)}
		for i := uint16(0); i < value; i++ {
			data = binary.BigEndian.AppendUint16(data, m[address+i])
		}
		return &ProtocolDataUnit{FunctionCode: fc, Data: data}
	}

	switch fc {
	case FuncCodeReadCoils:
		return readBits(d.coils)
	case FuncCodeReadDiscreteInputs:
		return readBits(d.discrete)
	case FuncCodeReadHoldingRegisters:
		return readRegisters(d.holding)
	case FuncCodeReadInputRegisters:
		return readRegisters(d.input)
	case FuncCodeWriteSingleCoil:
		d.coils[address] = value == 0xFF00
	case FuncCodeWriteSingleRegister:
		d.holding[address] = value
	case FuncCodeWriteMultipleCoils:
		for i, bit := range unpackBits(request.Data[5:], int(value)) {
			d.coils[address+uint16(i)] = bit
		}
	case FuncCodeWriteMultipleRegisters:
		for i := uint16(0); i < value; i++ {
			d.holding[address+i] = binary.BigEndian.Uint16(request.Data[5+2*i:])
		}
	default:
		return &ProtocolDataUnit{FunctionCode: fc | exceptionBit, Data: []byte{ExceptionCodeIllegalFunction}}
	}
	return &ProtocolDataUnit{FunctionCode: fc, Data: request.Data[:4]}
}

func perform(t *testing.T, device *fakeDevice, policy ByteOrder, tokens ...string) (*Report, []FieldValue, error) {
	t.Helper()
	accesses, err := Group(mustParse(t, tokens...), policy)
	require.NoError(t, err)

	var presented []FieldValue
	report, err := NewEngine(device).Perform(accesses, PresenterFunc(func(v FieldValue) {
		presented = append(presented, v)
	}))
	return report, presented, err
}

func TestEngineRead(t *testing.T) {
	device := newFakeDevice()
	device.holding[10] = 0x4142
	device.holding[11] = 0xFFFF
	device.holding[12] = 0x0000
	device.holding[13] = 0x0102
	device.input[5] = 0x0304
	device.coils[2] = true

	report, presented, err := perform(t, device, BigEndian, "h@10/2s", "h@11/h", "h@12/I", "i@5", "c@1/2B")
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	require.Len(t, report.Results, 3)

	// one request per access: coils, holding registers, input registers
	var codes []byte
	for _, r := range device.requests {
		codes = append(codes, r.FunctionCode)
	}
	assert.Equal(t, []byte{FuncCodeReadCoils, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters}, codes)

	values := map[string]interface{}{}
	for _, v := range presented {
		values[v.Spec.String()] = v.Value()
	}
	assert.Equal(t, map[string]interface{}{
		"c@1/!2B":  []interface{}{uint64(0), uint64(1)},
		"h@10/!2s": "AB",
		"h@11/!h":  int64(-1),
		"h@12/!I":  uint64(0x0102),
		"i@5/!H":   uint64(0x0304),
	}, values)
}

func TestEngineByteOrderPolicy(t *testing.T) {
	device := newFakeDevice()
	device.holding[0] = 0x0102
	device.holding[1] = 0x0304

	_, presented, err := perform(t, device, MixedEndian, "h@0/I")
	require.NoError(t, err)
	require.Len(t, presented, 1)
	assert.Equal(t, uint64(0x03040102), presented[0].Value())
}

func TestEngineWrite(t *testing.T) {
	device := newFakeDevice()

	report, presented, err := perform(t, device, BigEndian,
		"c@1=on", "c@3=1", "c@4=0", "c@5=yes", "h@20=7", "h@30/I=0x01020304")
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Empty(t, presented)
	require.Len(t, report.Results, 4)

	var codes []byte
	for _, r := range device.requests {
		codes = append(codes, r.FunctionCode)
	}
	assert.Equal(t, []byte{
		FuncCodeWriteSingleCoil,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleRegisters,
	}, codes)
	assert.Equal(t, []byte{0x00, 0x01, 0xFF, 0x00}, device.requests[0].Data)

	assert.True(t, device.coils[1])
	assert.True(t, device.coils[3])
	assert.False(t, device.coils[4])
	assert.True(t, device.coils[5])
	assert.Equal(t, uint16(7), device.holding[20])
	assert.Equal(t, uint16(0x0102), device.holding[30])
	assert.Equal(t, uint16(0x0304), device.holding[31])
}

func TestEngineWriteThenRead(t *testing.T) {
	device := newFakeDevice()

	_, _, err := perform(t, device, LittleEndian, "h@0/f=1.5", "h@2/<h=-2")
	require.NoError(t, err)

	_, presented, err := perform(t, device, LittleEndian, "h@0/f", "h@2/<h")
	require.NoError(t, err)
	require.Len(t, presented, 2)
	assert.Equal(t, 1.5, presented[0].Value())
	assert.Equal(t, int64(-2), presented[1].Value())
}

func TestEngineException(t *testing.T) {
	device := newFakeDevice()
	device.exceptions[FuncCodeReadInputRegisters] = ExceptionCodeIllegalDataAddress
	device.holding[0] = 42

	report, presented, err := perform(t, device, BigEndian, "h@0", "i@5", "i@9")
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	require.Len(t, report.Warnings, 2)
	assert.Equal(t, "read input register 5+1 (be)", report.Warnings[0].Subject)

	var mbError *Error
	require.True(t, errors.As(report.Results[1].Err, &mbError))
	assert.Equal(t, byte(ExceptionCodeIllegalDataAddress), mbError.ExceptionCode)

	require.Len(t, presented, 3)
	assert.Equal(t, uint64(42), presented[0].Value())
	assert.Equal(t, "5: Invalid address", FormatField(presented[1], nil))
	assert.Equal(t, "9: Invalid address", FormatField(presented[2], nil))
}

func TestEngineWriteException(t *testing.T) {
	device := newFakeDevice()
	device.exceptions[FuncCodeWriteSingleRegister] = ExceptionCodeIllegalDataValue

	report, presented, err := perform(t, device, BigEndian, "h@1=5")
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.True(t, IsException(report.Results[0].Err))
	assert.Empty(t, presented)
}

func TestEnginePipelining(t *testing.T) {
	for _, tc := range []struct {
		pipeline bool
		events   []string
	}{
		{false, []string{"send", "recv", "send", "recv"}},
		{true, []string{"send", "send", "recv", "recv"}},
	} {
		device := newFakeDevice()
		device.pipeline = tc.pipeline

		_, presented, err := perform(t, device, BigEndian, "h@0", "i@0")
		require.NoError(t, err)
		assert.Len(t, presented, 2)
		assert.Equal(t, tc.events, device.events)
	}
}

func TestEngineAbortsOnTransportError(t *testing.T) {
	device := newFakeDevice()
	device.receiveErr = ErrTimeout

	report, presented, err := perform(t, device, BigEndian, "h@0", "i@0")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, report.Results)
	assert.Empty(t, presented)
	assert.Equal(t, []string{"send", "recv"}, device.events)
}

func TestEngineRejectsShortResponse(t *testing.T) {
	device := newFakeDevice()
	accesses, err := Group(mustParse(t, "h@0/2H"), BigEndian)
	require.NoError(t, err)
	// the device answers for one register less than requested
	accesses[0].Size = 1
	accesses[0].Specs[0].Format = MustParseFormat("2H")

	_, err = NewEngine(device).Perform(accesses, nil)
	assert.Error(t, err)
}
