// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	// Default timeout
	serialTimeout  = 5 * time.Second
	serialBaudRate = 19200
)

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration.
	serial.Config

	Logger logger

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	// It is only opened by connect when still nil, so tests may inject one.
	port         io.ReadWriteCloser
	lastActivity time.Time
}

// Connect opens the port.
func (mb *serialPort) Connect() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (mb *serialPort) connect() error {
	if mb.port == nil {
		port, err := serial.Open(&mb.Config)
		if err != nil {
			return &ConnectError{Address: mb.Config.Address, Err: err}
		}
		mb.port = port
	}
	return nil
}

// Close closes the port.
func (mb *serialPort) Close() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (mb *serialPort) close() (err error) {
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	return
}

// readFull reads exactly len(buf) bytes. Reads delivering nothing until
// Timeout, including io.EOF and timeouts of the port, are reported as
// ErrTimeout; any other read error is returned wrapped. Caller must hold
// the mutex.
func (mb *serialPort) readFull(buf []byte) error {
	deadline := time.Now().Add(mb.Timeout)
	n := 0
	for n < len(buf) {
		m, err := mb.port.Read(buf[n:])
		n += m
		if n == len(buf) {
			break
		}
		if err != nil {
			if isReadTimeout(err) {
				return fmt.Errorf("%w after %d of %d bytes", ErrTimeout, n, len(buf))
			}
			return fmt.Errorf("modbus: serial read failed after %d of %d bytes: %w", n, len(buf), err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %d of %d bytes", ErrTimeout, n, len(buf))
		}
	}
	return nil
}

// isReadTimeout reports whether err only means that no data arrived.
func isReadTimeout(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func (mb *serialPort) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
