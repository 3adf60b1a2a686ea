// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Endpoint is a parsed homeserver base URL.
type Endpoint struct {
	// Address is the host:port to dial.
	Address string
	// Host is the authority to send (no default port).
	Host string
	// ServerName is the TLS server name.
	ServerName string
	TLS        bool
}

// ParseEndpoint parses a base URL such as https://matrix.example.org
// or http://localhost:8008. The port defaults from the scheme.
func ParseEndpoint(raw string) (Endpoint, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: parsing %q: %w", raw, err)
	}
	var defaultPort string
	switch parsed.Scheme {
	case "https":
		defaultPort = "443"
	case "http":
		defaultPort = "80"
	default:
		return Endpoint{}, fmt.Errorf("transport: unsupported scheme %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return Endpoint{}, fmt.Errorf("transport: %q has no host", raw)
	}
	port := parsed.Port()
	if port == "" {
		port = defaultPort
	}
	return Endpoint{
		Address:    net.JoinHostPort(hostname, port),
		Host:       parsed.Host,
		ServerName: hostname,
		TLS:        parsed.Scheme == "https",
	}, nil
}

// Dialer opens the byte stream a Connection is driven over.
type Dialer struct {
	// Timeout bounds connection establishment, including the TLS
	// handshake. Zero leaves only the context deadline.
	Timeout time.Duration

	// TLSConfig is cloned for TLS endpoints. ServerName and NextProtos
	// are filled in from the endpoint and the requested framing.
	TLSConfig *tls.Config
}

// DialContext connects to endpoint. For TLS endpoints the requested
// framing is offered through ALPN; the framing the server selected is
// returned. A cleartext endpoint returns the requested framing as-is
// (HTTP/2 then runs with prior knowledge).
func (d *Dialer) DialContext(ctx context.Context, endpoint Endpoint, framing Framing) (net.Conn, Framing, error) {
	netDialer := &net.Dialer{Timeout: d.Timeout}
	if !endpoint.TLS {
		conn, err := netDialer.DialContext(ctx, "tcp", endpoint.Address)
		if err != nil {
			return nil, 0, err
		}
		return conn, framing, nil
	}

	var tlsConfig *tls.Config
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = endpoint.ServerName
	}
	if framing == FramingHTTP2 {
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	} else {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}

	tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
	conn, err := tlsDialer.DialContext(ctx, "tcp", endpoint.Address)
	if err != nil {
		return nil, 0, err
	}
	negotiated := FramingHTTP1
	if conn.(*tls.Conn).ConnectionState().NegotiatedProtocol == "h2" {
		negotiated = FramingHTTP2
	}
	return conn, negotiated, nil
}
