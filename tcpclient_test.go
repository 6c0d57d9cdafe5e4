// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestTCPEncoding(t *testing.T) {
	packager := tcpPackager{}
	pdu := ProtocolDataUnit{}
	pdu.FunctionCode = 3
	pdu.Data = []byte{0, 4, 0, 3}

	adu, err := packager.Encode(&pdu)
	if err != nil {
		t.Fatal(err)
	}

	expected := []byte{0, 1, 0, 0, 0, 6, 0, 3, 0, 4, 0, 3}
	if !bytes.Equal(expected, adu) {
		t.Fatalf("Expected %v, actual %v", expected, adu)
	}
}

func TestTCPDecoding(t *testing.T) {
	packager := tcpPackager{}
	packager.transactionID = 1
	packager.SlaveID = 17
	adu := []byte{0, 1, 0, 0, 0, 6, 17, 3, 0, 120, 0, 3}

	pdu, err := packager.Decode(adu)
	if err != nil {
		t.Fatal(err)
	}

	if pdu.FunctionCode != 3 {
		t.Fatalf("Function code: expected %v, actual %v", 3, pdu.FunctionCode)
	}
	expected := []byte{0, 120, 0, 3}
	if !bytes.Equal(expected, pdu.Data) {
		t.Fatalf("Data: expected %v, actual %v", expected, adu)
	}
}

func TestTCPVerifyUnitID(t *testing.T) {
	packager := tcpPackager{}
	err := packager.Verify([]byte{0, 1, 0, 0, 0, 6, 17, 3}, []byte{0, 1, 0, 0, 0, 6, 18, 3})
	if err == nil {
		t.Fatal("expected unit id mismatch")
	}
}

func TestErrTCPHeaderLength_Error(t *testing.T) {
	// should not explode
	_ = ErrTCPHeaderLength(1000).Error()
}

// serveTCP accepts a single connection and hands it to handle.
func serveTCP(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

// readHoldingRequest is the frame sent for reading two holding registers
// from address 0 as the first request of a handler.
var readHoldingRequest = []byte{0, 1, 0, 0, 0, 6, 255, 3, 0, 0, 0, 2}

func newTestTCPHandler(address string) *TCPClientHandler {
	handler := NewTCPClientHandler(address)
	handler.Timeout = time.Second
	handler.PollInterval = 10 * time.Millisecond
	return handler
}

func sendReadHolding(t *testing.T, handler *TCPClientHandler) []byte {
	t.Helper()
	aduRequest, err := handler.Encode(&ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         dataBlock(0, 2),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readHoldingRequest, aduRequest) {
		t.Fatalf("request: expected % x, actual % x", readHoldingRequest, aduRequest)
	}
	if err = handler.Send(aduRequest); err != nil {
		t.Fatal(err)
	}
	return aduRequest
}

func TestTCPReceiveChunked(t *testing.T) {
	response := []byte{0, 1, 0, 0, 0, 7, 255, 3, 4, 0, 1, 0, 2}
	address := serveTCP(t, func(conn net.Conn) {
		request := make([]byte, len(readHoldingRequest))
		if _, err := io.ReadFull(conn, request); err != nil {
			t.Error(err)
			return
		}
		for _, chunk := range [][]byte{response[:3], response[3:8], response[8:]} {
			if _, err := conn.Write(chunk); err != nil {
				t.Error(err)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	})

	handler := newTestTCPHandler(address)
	defer handler.Close()
	aduRequest := sendReadHolding(t, handler)

	aduResponse, err := handler.Receive(aduRequest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(response, aduResponse) {
		t.Fatalf("response: expected % x, actual % x", response, aduResponse)
	}
}

func TestTCPTransactionMismatch(t *testing.T) {
	response := []byte{0, 9, 0, 0, 0, 7, 255, 3, 4, 0, 1, 0, 2}
	for _, strict := range []bool{false, true} {
		address := serveTCP(t, func(conn net.Conn) {
			request := make([]byte, len(readHoldingRequest))
			if _, err := io.ReadFull(conn, request); err != nil {
				t.Error(err)
				return
			}
			if _, err := conn.Write(response); err != nil {
				t.Error(err)
			}
		})

		handler := newTestTCPHandler(address)
		handler.StrictTransactionID = strict
		aduRequest := sendReadHolding(t, handler)

		aduResponse, err := handler.Receive(aduRequest)
		var mismatch *TransactionMismatchError
		if strict {
			if !errors.As(err, &mismatch) {
				t.Fatalf("expected transaction id mismatch, got %v", err)
			}
		} else {
			if err != nil || !bytes.Equal(response, aduResponse) {
				t.Fatalf("unexpected response % x: %v", aduResponse, err)
			}
			if !errors.As(handler.takeMismatch(), &mismatch) {
				t.Fatal("accepted mismatch was not recorded")
			}
			if handler.takeMismatch() != nil {
				t.Fatal("mismatch was not cleared")
			}
		}
		if mismatch.Request != 1 || mismatch.Response != 9 {
			t.Fatalf("unexpected mismatch %+v", mismatch)
		}
		handler.Close()
	}
}

func TestTCPEngineWarnsOnTransactionMismatch(t *testing.T) {
	address := serveTCP(t, func(conn net.Conn) {
		request := make([]byte, len(readHoldingRequest))
		if _, err := io.ReadFull(conn, request); err != nil {
			t.Error(err)
			return
		}
		if _, err := conn.Write([]byte{0, 99, 0, 0, 0, 7, 255, 3, 4, 0, 1, 0, 2}); err != nil {
			t.Error(err)
		}
	})

	handler := newTestTCPHandler(address)
	defer handler.Close()
	spec, err := ParseRegister("h@0/2H")
	if err != nil {
		t.Fatal(err)
	}
	accesses, err := Group([]RegisterSpec{spec}, BigEndian)
	if err != nil {
		t.Fatal(err)
	}

	var values []interface{}
	report, err := NewEngine(handler).Perform(accesses, PresenterFunc(func(v FieldValue) {
		values = v.Values
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", report.Warnings)
	}
	var mismatch *TransactionMismatchError
	if !errors.As(report.Warnings[0].Err, &mismatch) || mismatch.Request != 1 || mismatch.Response != 99 {
		t.Fatalf("unexpected warning %v", report.Warnings[0])
	}
	if report.Warnings[0].Subject != accesses[0].String() {
		t.Fatalf("subject: expected %v, actual %v", accesses[0].String(), report.Warnings[0].Subject)
	}
	if len(values) != 2 || values[0] != uint64(1) || values[1] != uint64(2) {
		t.Fatalf("unexpected values %v", values)
	}
}

func TestTCPReceiveTimeout(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	address := serveTCP(t, func(conn net.Conn) {
		// hold the connection without answering
		<-done
	})

	handler := newTestTCPHandler(address)
	handler.Timeout = 50 * time.Millisecond
	defer handler.Close()
	aduRequest := sendReadHolding(t, handler)

	_, err := handler.Receive(aduRequest)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestTCPReceiveUnexpectedEOF(t *testing.T) {
	address := serveTCP(t, func(conn net.Conn) {
		request := make([]byte, len(readHoldingRequest))
		if _, err := io.ReadFull(conn, request); err != nil {
			t.Error(err)
			return
		}
		conn.Write([]byte{0, 1, 0, 0, 0, 7, 255})
	})

	handler := newTestTCPHandler(address)
	defer handler.Close()
	aduRequest := sendReadHolding(t, handler)

	_, err := handler.Receive(aduRequest)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestTCPReceiveHeaderLength(t *testing.T) {
	address := serveTCP(t, func(conn net.Conn) {
		request := make([]byte, len(readHoldingRequest))
		if _, err := io.ReadFull(conn, request); err != nil {
			t.Error(err)
			return
		}
		conn.Write([]byte{0, 1, 0, 0, 0, 0})
	})

	handler := newTestTCPHandler(address)
	defer handler.Close()
	aduRequest := sendReadHolding(t, handler)

	_, err := handler.Receive(aduRequest)
	var lengthErr ErrTCPHeaderLength
	if !errors.As(err, &lengthErr) {
		t.Fatalf("expected header length error, got %v", err)
	}
}

func TestTCPConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := ln.Addr().String()
	ln.Close()

	for _, address := range []string{address, "missing-port"} {
		handler := newTestTCPHandler(address)
		err := handler.Connect()
		var connectErr *ConnectError
		if !errors.As(err, &connectErr) {
			t.Fatalf("%v: expected connect error, got %v", address, err)
		}
	}
}

func TestTCPReceiveNotConnected(t *testing.T) {
	handler := newTestTCPHandler("127.0.0.1:502")

	_, err := handler.Receive(readHoldingRequest)
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestTCPPipelined(t *testing.T) {
	handler := NewTCPClientHandler("127.0.0.1:502")
	if !handler.Pipelined() {
		t.Fatal("tcp handler should pipeline by default")
	}
	var transport Transport = handler
	if _, ok := transport.(pipeliner); !ok {
		t.Fatal("tcp handler does not report pipelining")
	}
}
