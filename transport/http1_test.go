// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

func newTestHTTP1(t *testing.T) Connection {
	t.Helper()
	connection, err := New(FramingHTTP1, Config{Host: "matrix.example.org", UserAgent: "mxengine-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return connection
}

func TestHTTP1EncodeRequest(t *testing.T) {
	connection := newTestHTTP1(t)

	header := make(http.Header)
	header.Set("Authorization", "Bearer T")
	data, err := connection.Encode(Request{
		ID:     uuid.New(),
		Method: http.MethodPut,
		Target: "/_matrix/client/v3/rooms/%21r%3As/send/m.room.message/txn1",
		Header: header,
		Body:   []byte(`{"body":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	text := string(data)
	if !strings.HasPrefix(text, "PUT /_matrix/client/v3/rooms/%21r%3As/send/m.room.message/txn1 HTTP/1.1\r\nHost: matrix.example.org\r\n") {
		t.Errorf("unexpected request line/host:\n%s", text)
	}
	for _, want := range []string{
		"Authorization: Bearer T\r\n",
		"Content-Length: 13\r\n",
		"Content-Type: application/json\r\n",
		"User-Agent: mxengine-test\r\n",
		"Accept-Encoding: gzip\r\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("request missing %q:\n%s", want, text)
		}
	}
	if !strings.HasSuffix(text, "\r\n\r\n{\"body\":\"hi\"}") {
		t.Errorf("request does not end with the body:\n%s", text)
	}
	if connection.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", connection.Pending())
	}
}

func TestHTTP1GetHasNoContentLength(t *testing.T) {
	connection := newTestHTTP1(t)
	data, err := connection.Encode(Request{ID: uuid.New(), Target: "/_matrix/client/v3/sync"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(string(data), "GET /_matrix/client/v3/sync HTTP/1.1\r\n") {
		t.Errorf("unexpected request line: %q", data)
	}
	if strings.Contains(string(data), "Content-Length") {
		t.Errorf("GET carries Content-Length: %q", data)
	}
}

func TestHTTP1RejectsAbsoluteTarget(t *testing.T) {
	connection := newTestHTTP1(t)
	if _, err := connection.Encode(Request{ID: uuid.New(), Target: "http://x/y"}); err == nil {
		t.Fatal("Encode accepted an absolute-form target")
	}
}

func TestHTTP1PipelinedResponsesMatchInOrder(t *testing.T) {
	connection := newTestHTTP1(t)
	first, second := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{first, second} {
		if _, err := connection.Encode(Request{ID: id, Target: "/x"}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	wire := "HTTP/1.1 200 OK\r\nContent-Length: 7\r\nContent-Type: application/json\r\n\r\n{\"a\":1}" +
		"HTTP/1.1 404 Not Found\r\nContent-Length: 2\r\n\r\n{}"

	// Byte-at-a-time delivery exercises every incomplete-input path.
	var responses []Response
	for index := range len(wire) {
		completed, err := connection.Receive([]byte{wire[index]})
		if err != nil {
			t.Fatalf("Receive at byte %d: %v", index, err)
		}
		responses = append(responses, completed...)
	}

	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	if responses[0].ID != first || responses[0].StatusCode != 200 || string(responses[0].Body) != `{"a":1}` {
		t.Errorf("first response = %+v", responses[0])
	}
	if responses[1].ID != second || responses[1].StatusCode != 404 {
		t.Errorf("second response = %+v", responses[1])
	}
	if responses[0].Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", responses[0].Header.Get("Content-Type"))
	}
	if connection.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", connection.Pending())
	}
}

func TestHTTP1ChunkedBody(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{
			name: "no trailer",
			wire: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4;ext=1\r\n{\"a\"\r\n3\r\n:1}\r\n0\r\n\r\n",
		},
		{
			name: "with trailer",
			wire: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\n{\"a\"\r\n3\r\n:1}\r\n0\r\nX-Trailer: yes\r\n\r\n",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			connection := newTestHTTP1(t)
			id := uuid.New()
			if _, err := connection.Encode(Request{ID: id, Target: "/x"}); err != nil {
				t.Fatalf("Encode: %v", err)
			}

			split := len(test.wire) / 2
			responses, err := connection.Receive([]byte(test.wire[:split]))
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if len(responses) != 0 {
				t.Fatalf("response completed early: %+v", responses)
			}
			responses, err = connection.Receive([]byte(test.wire[split:]))
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if len(responses) != 1 {
				t.Fatalf("got %d responses, want 1", len(responses))
			}
			if string(responses[0].Body) != `{"a":1}` {
				t.Errorf("body = %q", responses[0].Body)
			}
			if responses[0].ID != id {
				t.Errorf("ID mismatch")
			}
		})
	}
}

func TestHTTP1GzipBody(t *testing.T) {
	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	writer.Write([]byte(`{"next_batch":"s1"}`))
	writer.Close()

	connection := newTestHTTP1(t)
	if _, err := connection.Encode(Request{ID: uuid.New(), Target: "/sync"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire := "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: " +
		strconv.Itoa(compressed.Len()) + "\r\n\r\n" + compressed.String()
	responses, err := connection.Receive([]byte(wire))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if string(responses[0].Body) != `{"next_batch":"s1"}` {
		t.Errorf("body = %q", responses[0].Body)
	}
	if responses[0].Header.Get("Content-Encoding") != "" {
		t.Errorf("Content-Encoding not removed after decoding")
	}
}

func TestHTTP1InterimAndEmptyResponses(t *testing.T) {
	connection := newTestHTTP1(t)
	first, second := uuid.New(), uuid.New()
	connection.Encode(Request{ID: first, Method: http.MethodPut, Target: "/typing", Body: []byte("{}")})
	connection.Encode(Request{ID: second, Method: http.MethodHead, Target: "/x"})

	wire := "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 204 No Content\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"
	responses, err := connection.Receive([]byte(wire))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	if responses[0].ID != first || responses[0].StatusCode != 204 || len(responses[0].Body) != 0 {
		t.Errorf("first = %+v", responses[0])
	}
	if responses[1].ID != second || len(responses[1].Body) != 0 {
		t.Errorf("HEAD response = %+v", responses[1])
	}
}

func TestHTTP1Errors(t *testing.T) {
	t.Run("response without request", func(t *testing.T) {
		connection := newTestHTTP1(t)
		_, err := connection.Receive([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
		var protocolErr *ProtocolError
		if !errors.As(err, &protocolErr) {
			t.Fatalf("error = %v, want *ProtocolError", err)
		}
	})

	t.Run("malformed status line", func(t *testing.T) {
		connection := newTestHTTP1(t)
		connection.Encode(Request{ID: uuid.New(), Target: "/x"})
		_, err := connection.Receive([]byte("SPDY/3 200 OK\r\n\r\n"))
		var protocolErr *ProtocolError
		if !errors.As(err, &protocolErr) {
			t.Fatalf("error = %v, want *ProtocolError", err)
		}
	})

	t.Run("body too large", func(t *testing.T) {
		connection, err := New(FramingHTTP1, Config{Host: "h", MaxResponseSize: 4})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		connection.Encode(Request{ID: uuid.New(), Target: "/x"})
		_, err = connection.Receive([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"))
		if !errors.Is(err, ErrResponseTooLarge) {
			t.Fatalf("error = %v, want ErrResponseTooLarge", err)
		}
	})

	t.Run("connection close", func(t *testing.T) {
		connection := newTestHTTP1(t)
		connection.Encode(Request{ID: uuid.New(), Target: "/x"})
		_, err := connection.Receive([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if _, err := connection.Encode(Request{ID: uuid.New(), Target: "/x"}); !errors.Is(err, ErrClosed) {
			t.Fatalf("Encode after close = %v, want ErrClosed", err)
		}
	})
}

func TestParseFraming(t *testing.T) {
	tests := []struct {
		input string
		want  Framing
		ok    bool
	}{
		{"http1", FramingHTTP1, true},
		{"http/1.1", FramingHTTP1, true},
		{"http2", FramingHTTP2, true},
		{"h2", FramingHTTP2, true},
		{"spdy", 0, false},
	}
	for _, test := range tests {
		got, err := ParseFraming(test.input)
		if (err == nil) != test.ok || got != test.want {
			t.Errorf("ParseFraming(%q) = %v, %v", test.input, got, err)
		}
	}
}
