package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	modbus "github.com/grid-x/modbus-cli"
)

func TestParseDevice(t *testing.T) {
	type testCase struct {
		name    string
		device  string
		scheme  string
		address string
		wantErr bool
	}

	tests := []testCase{
		{name: "serial path", device: "/dev/ttyUSB0", scheme: schemeRTU, address: "/dev/ttyUSB0"},
		{name: "rtu url", device: "rtu:///dev/ttyS1", scheme: schemeRTU, address: "/dev/ttyS1"},
		{name: "host", device: "10.0.0.5", scheme: schemeTCP, address: "10.0.0.5:502"},
		{name: "host and port", device: "plc.local:1502", scheme: schemeTCP, address: "plc.local:1502"},
		{name: "ipv6 in brackets", device: "[fe80::1]", scheme: schemeTCP, address: "[fe80::1]:502"},
		{name: "ipv6 with port", device: "[fe80::1]:1502", scheme: schemeTCP, address: "[fe80::1]:1502"},
		{name: "bare ipv6", device: "::1", scheme: schemeTCP, address: "[::1]:502"},
		{name: "tcp url", device: "tcp://10.0.0.5", scheme: schemeTCP, address: "10.0.0.5:502"},
		{name: "tcp url with port", device: "tcp://10.0.0.5:5020", scheme: schemeTCP, address: "10.0.0.5:5020"},
		{name: "unknown scheme", device: "udp://10.0.0.5", wantErr: true},
		{name: "rtu url without path", device: "rtu://", wantErr: true},
		{name: "empty", device: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scheme, address, err := parseDevice(tc.device)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.device)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			got := []string{scheme, address}
			if diff := cmp.Diff([]string{tc.scheme, tc.address}, got); diff != "" {
				t.Errorf("unexpected result (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewTransport(t *testing.T) {
	log := &debugAdapter{zap.NewNop().Sugar()}
	cfg := DefaultConfig()
	cfg.Baud = 9600
	cfg.Parity = "e"
	cfg.Timeout = 0.5

	transport, err := newTransport("/dev/ttyUSB0", cfg, log)
	require.NoError(t, err)
	rtu, ok := transport.(*modbus.RTUClientHandler)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", rtu.Address)
	assert.Equal(t, 9600, rtu.BaudRate)
	assert.Equal(t, "E", rtu.Parity)
	assert.Equal(t, 500*time.Millisecond, rtu.Timeout)
	assert.Equal(t, byte(1), rtu.SlaveID)

	cfg.SlaveID = 3
	cfg.NoPipeline = true
	transport, err = newTransport("10.0.0.5", cfg, log)
	require.NoError(t, err)
	tcp, ok := transport.(*modbus.TCPClientHandler)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:502", tcp.Address)
	assert.Equal(t, byte(3), tcp.SlaveID)
	assert.False(t, tcp.Pipelined())
}
