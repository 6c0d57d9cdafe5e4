package main

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	modbus "github.com/grid-x/modbus-cli"
)

const (
	schemeRTU = "rtu"
	schemeTCP = "tcp"
)

// parseDevice splits a device argument into its scheme and address.
// Besides rtu:// and tcp:// URLs it accepts a serial device path, which
// starts with '/', or a TCP host with optional port.
func parseDevice(device string) (scheme, address string, err error) {
	switch {
	case strings.Contains(device, "://"):
		u, err := url.Parse(device)
		if err != nil {
			return "", "", err
		}
		switch u.Scheme {
		case schemeRTU:
			if u.Path == "" {
				return "", "", fmt.Errorf("missing serial device in %q", device)
			}
			return schemeRTU, u.Path, nil
		case schemeTCP:
			if u.Host == "" {
				return "", "", fmt.Errorf("missing host in %q", device)
			}
			return schemeTCP, tcpAddress(u.Host), nil
		}
		return "", "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	case strings.HasPrefix(device, "/"):
		return schemeRTU, device, nil
	case device == "":
		return "", "", fmt.Errorf("missing device")
	}
	return schemeTCP, tcpAddress(device), nil
}

// tcpAddress adds the default port to a host without one. IPv6 hosts may
// be given with or without brackets.
func tcpAddress(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.JoinHostPort(host, modbus.DefaultTCPPort)
}

// newTransport returns the transport for the device, configured by cfg.
// Frames are traced to log.
func newTransport(device string, cfg *Config, log *debugAdapter) (modbus.Transport, error) {
	scheme, address, err := parseDevice(device)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case schemeRTU:
		h := modbus.NewRTUClientHandler(address)
		h.BaudRate = cfg.Baud
		h.StopBits = cfg.StopBits
		h.Parity = strings.ToUpper(cfg.Parity)
		h.Timeout = cfg.ResponseTimeout()
		if cfg.SlaveID >= 0 {
			h.SlaveID = byte(cfg.SlaveID)
		}
		h.Logger = log
		return h, nil
	default:
		h := modbus.NewTCPClientHandler(address)
		h.Timeout = cfg.ResponseTimeout()
		h.Pipeline = !cfg.NoPipeline
		if cfg.SlaveID >= 0 {
			h.SlaveID = byte(cfg.SlaveID)
		}
		h.Logger = log
		return h, nil
	}
}
