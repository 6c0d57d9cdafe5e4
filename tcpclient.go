// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260

	tcpTimeout       = 5 * time.Second
	tcpPollInterval  = 100 * time.Millisecond
	tcpDefaultUnitID = 255
	// DefaultTCPPort is used when an address carries no port.
	DefaultTCPPort = "502"
)

// ErrTCPHeaderLength informs about a wrong header length.
type ErrTCPHeaderLength int

func (length ErrTCPHeaderLength) Error() string {
	return fmt.Sprintf("modbus: length in response header '%d' must not be zero or greater than '%v'",
		int(length), tcpMaxLength-tcpHeaderSize+1)
}

// TransactionMismatchError reports a response carrying another transaction
// id than its request.
type TransactionMismatchError struct {
	Request, Response uint16
}

func (e *TransactionMismatchError) Error() string {
	return fmt.Sprintf("modbus: response transaction id '%v' does not match request '%v'", e.Response, e.Request)
}

// TCPClientHandler implements Packager and Transporter interface.
type TCPClientHandler struct {
	tcpPackager
	tcpTransporter
}

// NewTCPClientHandler allocates a new TCPClientHandler for a "host:port"
// address. Requests are pipelined and addressed to unit 255.
func NewTCPClientHandler(address string) *TCPClientHandler {
	h := &TCPClientHandler{}
	h.SlaveID = tcpDefaultUnitID
	h.Address = address
	h.Timeout = tcpTimeout
	h.PollInterval = tcpPollInterval
	h.Pipeline = true
	return h
}

// tcpPackager implements Packager interface.
type tcpPackager struct {
	// For synchronization between messages of server & client
	transactionID uint32
	// Broadcast address is 0
	SlaveID byte
}

// SetSlave sets modbus slave id for the next client operations
func (mb *tcpPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Encode adds modbus application protocol header:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
func (mb *tcpPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	adu = make([]byte, tcpHeaderSize+1+len(pdu.Data))

	// Transaction identifier
	transactionID := atomic.AddUint32(&mb.transactionID, 1)
	binary.BigEndian.PutUint16(adu, uint16(transactionID))
	// Protocol identifier
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	// Length = sizeof(SlaveID) + sizeof(FunctionCode) + Data
	length := uint16(1 + 1 + len(pdu.Data))
	binary.BigEndian.PutUint16(adu[4:], length)
	// Unit identifier
	adu[6] = mb.SlaveID

	// PDU
	adu[tcpHeaderSize] = pdu.FunctionCode
	copy(adu[tcpHeaderSize+1:], pdu.Data)
	return
}

// Verify confirms protocol and unit id. The transaction id is checked by
// the transporter when the frame is read.
func (mb *tcpPackager) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	// Protocol id
	responseVal := binary.BigEndian.Uint16(aduResponse[2:])
	requestVal := binary.BigEndian.Uint16(aduRequest[2:])
	if responseVal != requestVal {
		err = fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", responseVal, requestVal)
		return
	}
	// Unit id (1 byte)
	if aduResponse[6] != aduRequest[6] {
		err = fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", aduResponse[6], aduRequest[6])
		return
	}
	return
}

// Decode extracts PDU from TCP frame:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
func (mb *tcpPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	if len(adu) < tcpHeaderSize+1 {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", len(adu), tcpHeaderSize+1)
		return
	}
	// Read length value in the header
	length := binary.BigEndian.Uint16(adu[4:])
	pduLength := len(adu) - tcpHeaderSize
	if pduLength <= 0 || pduLength != int(length-1) {
		err = fmt.Errorf("modbus: length in response '%v' does not match pdu data length '%v'", length-1, pduLength)
		return
	}
	pdu = &ProtocolDataUnit{}
	// The first byte after header is function code
	pdu.FunctionCode = adu[tcpHeaderSize]
	pdu.Data = adu[tcpHeaderSize+1:]
	return
}

// tcpTransporter implements Transporter interface.
type tcpTransporter struct {
	// Connect string
	Address string
	// Connect & Read timeout
	Timeout time.Duration
	// Pause between two reads returning no data
	PollInterval time.Duration
	// Reject responses whose transaction id does not match the request
	// instead of logging a warning.
	StrictTransactionID bool
	// Send all requests of a run before reading the responses.
	Pipeline bool
	// Transmission logger
	Logger logger

	// TCP connection
	mu   sync.Mutex
	conn net.Conn
	// mismatch of the last response accepted in spite of its transaction id
	mismatch error
}

// Pipelined reports whether several requests may be outstanding.
func (mb *tcpTransporter) Pipelined() bool {
	return mb.Pipeline
}

// Send writes the request to the connection, connecting first if needed.
func (mb *tcpTransporter) Send(aduRequest []byte) (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Establish a new connection if not connected
	if err = mb.connect(); err != nil {
		return
	}
	var timeout time.Time
	if mb.Timeout > 0 {
		timeout = time.Now().Add(mb.Timeout)
	}
	if err = mb.conn.SetWriteDeadline(timeout); err != nil {
		return
	}
	mb.logf("modbus: send % x", aduRequest)
	_, err = mb.conn.Write(aduRequest)
	return
}

// Receive reads the response to aduRequest: the header first, then exactly
// as many bytes as the header announces.
func (mb *tcpTransporter) Receive(aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		err = &ConnectError{Address: mb.Address, Err: errors.New("not connected")}
		return
	}
	var data [tcpMaxLength]byte
	// Transaction, protocol id and length
	if err = mb.readFull(data[:tcpHeaderSize-1]); err != nil {
		return
	}
	length := int(binary.BigEndian.Uint16(data[4:]))
	if length <= 0 || length > tcpMaxLength-(tcpHeaderSize-1) {
		err = ErrTCPHeaderLength(length)
		return
	}
	length += tcpHeaderSize - 1
	if err = mb.readFull(data[tcpHeaderSize-1 : length]); err != nil {
		return
	}
	aduResponse = data[:length]
	mb.logf("modbus: recv % x", aduResponse)

	responseVal := binary.BigEndian.Uint16(aduResponse)
	requestVal := binary.BigEndian.Uint16(aduRequest)
	if responseVal != requestVal {
		mismatch := &TransactionMismatchError{Request: requestVal, Response: responseVal}
		if mb.StrictTransactionID {
			return nil, mismatch
		}
		mb.mismatch = mismatch
	}
	return
}

// takeMismatch returns and clears the transaction id mismatch of the last
// response accepted by Receive.
func (mb *tcpTransporter) takeMismatch() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	err := mb.mismatch
	mb.mismatch = nil
	return err
}

// readFull accumulates reads until buf is full. Reads returning nothing are
// retried after PollInterval, so a short frame is never returned.
// Caller must hold the mutex.
func (mb *tcpTransporter) readFull(buf []byte) error {
	var deadline time.Time
	if mb.Timeout > 0 {
		deadline = time.Now().Add(mb.Timeout)
	}
	if err := mb.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for n := 0; n < len(buf); {
		m, err := mb.conn.Read(buf[n:])
		n += m
		if n == len(buf) {
			break
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w after %d of %d bytes", ErrTimeout, n, len(buf))
			}
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if m == 0 {
			time.Sleep(mb.PollInterval)
		}
	}
	return nil
}

// Connect establishes a new connection to the address in Address.
// Connect and Close are exported so that multiple requests can be done with one session
func (mb *tcpTransporter) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect resolves the host and dials its addresses in turn until one
// accepts the connection.
func (mb *tcpTransporter) connect() error {
	if mb.conn != nil {
		return nil
	}
	host, port, err := net.SplitHostPort(mb.Address)
	if err != nil {
		return &ConnectError{Address: mb.Address, Err: err}
	}
	ctx := context.Background()
	if mb.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mb.Timeout)
		defer cancel()
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return &ConnectError{Address: host, Err: err}
	}

	dialer := net.Dialer{Timeout: mb.Timeout}
	var errs []error
	for _, addr := range addrs {
		conn, err := dialer.Dial("tcp", net.JoinHostPort(addr, port))
		if err != nil {
			mb.logf("modbus: dial %v: %v", addr, err)
			errs = append(errs, err)
			continue
		}
		mb.conn = conn
		return nil
	}
	return &ConnectError{Address: host, Err: errors.Join(errs...)}
}

// Close closes current connection.
func (mb *tcpTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

func (mb *tcpTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// close closes current connection. Caller must hold the mutex before calling this method.
func (mb *tcpTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}
