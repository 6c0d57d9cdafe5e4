// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Transport groups the framing and the link of one device session.
// RTUClientHandler and TCPClientHandler implement it.
type Transport interface {
	Packager
	Transporter
	Connector
}

// pipeliner is implemented by transports able to carry several outstanding
// requests on the same link.
type pipeliner interface {
	Pipelined() bool
}

// mismatchReporter is implemented by transports accepting responses which
// are not correlated to their request. takeMismatch reports the last one.
type mismatchReporter interface {
	takeMismatch() error
}

// Definitions resolves register names to register specifications and
// presenter names to their tables. It is read-only for the engine.
type Definitions interface {
	// Lookup returns the register specification stored under name.
	Lookup(name string) (spec string, ok bool)
	// Names returns all register names in a stable order.
	Names() []string
	// Symbols returns the value->symbol table of a ':' presenter.
	Symbols(presenter string) (map[int64]string, bool)
	// BitNames returns the bit->name table of a '|' presenter.
	BitNames(presenter string) (map[int]string, bool)
}

// Presenter receives the outcome of every field of a read access.
type Presenter interface {
	Present(v FieldValue)
}

// PresenterFunc adapts an ordinary function to the Presenter interface.
type PresenterFunc func(v FieldValue)

// Present calls f(v).
func (f PresenterFunc) Present(v FieldValue) {
	f(v)
}
