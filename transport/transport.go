// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Framing selects the HTTP wire format of a Connection.
type Framing int

const (
	FramingHTTP1 Framing = iota + 1
	FramingHTTP2
)

func (f Framing) String() string {
	switch f {
	case FramingHTTP1:
		return "http1"
	case FramingHTTP2:
		return "http2"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ParseFraming converts "http1" or "http2" to a Framing.
func ParseFraming(name string) (Framing, error) {
	switch name {
	case "http1", "http/1.1":
		return FramingHTTP1, nil
	case "http2", "h2":
		return FramingHTTP2, nil
	default:
		return 0, fmt.Errorf("transport: unknown framing %q", name)
	}
}

// StatusStreamReset is the status given to a response whose stream
// the peer reset or abandoned with GOAWAY before completing it.
const StatusStreamReset = 499

// DefaultMaxResponseSize bounds a single decoded response body.
const DefaultMaxResponseSize = 64 << 20

var (
	// ErrClosed is returned by Encode after the peer sent GOAWAY or
	// after Close.
	ErrClosed = errors.New("transport: connection closed")

	// ErrResponseTooLarge is returned when a response body exceeds
	// the configured limit.
	ErrResponseTooLarge = errors.New("transport: response body too large")
)

// ProtocolError reports input that violates the framing. The
// connection cannot continue after one.
type ProtocolError struct {
	Framing Framing
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: %s protocol error: %s", e.Framing, e.Reason)
}

// Request is one outgoing HTTP request.
type Request struct {
	// ID correlates the request with its response.
	ID uuid.UUID

	Method string

	// Target is the origin-form request target: path plus optional
	// query ("/_matrix/client/v3/sync?timeout=0").
	Target string

	Header http.Header
	Body   []byte

	// Timeout is advisory. The connection does not enforce it; it is
	// returned on the matching Response for the caller's transport.
	Timeout time.Duration
}

// Response is one completed HTTP response.
type Response struct {
	ID         uuid.UUID
	StatusCode int
	Header     http.Header
	Body       []byte
	Timeout    time.Duration
}

// Connection is a sans-IO HTTP client codec.
//
// Connection is not safe for concurrent use.
type Connection interface {
	// Framing reports the wire format.
	Framing() Framing

	// Encode frames req and returns the bytes to write. HTTP/2 may
	// hold back body bytes that exceed the peer's flow-control
	// window; they appear in DataToSend once the window opens.
	Encode(req Request) ([]byte, error)

	// Receive consumes bytes read from the peer and returns every
	// response they complete, in completion order.
	Receive(data []byte) ([]Response, error)

	// DataToSend drains control bytes the codec produced on its own:
	// the HTTP/2 preface, acknowledgements, window updates, and held
	// back request data.
	DataToSend() []byte

	// Pending reports the number of requests awaiting a response.
	Pending() int
}

// Config holds the parameters shared by both framings.
type Config struct {
	// Host is the authority sent as Host (HTTP/1.1) or :authority
	// (HTTP/2), e.g. "matrix.example.org" or "localhost:8008".
	Host string

	// TLS selects the https scheme for HTTP/2's :scheme.
	TLS bool

	// UserAgent is sent on every request when non-empty.
	UserAgent string

	// MaxResponseSize bounds decoded response bodies. Zero uses
	// DefaultMaxResponseSize.
	MaxResponseSize int
}

func (c Config) maxResponseSize() int {
	if c.MaxResponseSize <= 0 {
		return DefaultMaxResponseSize
	}
	return c.MaxResponseSize
}

// New returns a Connection for the given framing.
func New(framing Framing, cfg Config) (Connection, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("transport: Host is required")
	}
	switch framing {
	case FramingHTTP1:
		return newHTTP1Connection(cfg), nil
	case FramingHTTP2:
		return newHTTP2Connection(cfg)
	default:
		return nil, fmt.Errorf("transport: unsupported framing %s", framing)
	}
}
