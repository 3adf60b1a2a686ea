// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw     string
		want    Endpoint
		wantErr bool
	}{
		{
			raw:  "https://matrix.example.org",
			want: Endpoint{Address: "matrix.example.org:443", Host: "matrix.example.org", ServerName: "matrix.example.org", TLS: true},
		},
		{
			raw:  "http://localhost:8008",
			want: Endpoint{Address: "localhost:8008", Host: "localhost:8008", ServerName: "localhost"},
		},
		{
			raw:  "http://[::1]",
			want: Endpoint{Address: "[::1]:80", Host: "[::1]", ServerName: "::1"},
		},
		{raw: "ftp://example.org", wantErr: true},
		{raw: "https://", wantErr: true},
		{raw: "://broken", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			got, err := ParseEndpoint(test.raw)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseEndpoint(%q) = %+v, want error", test.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint(%q): %v", test.raw, err)
			}
			if got != test.want {
				t.Errorf("ParseEndpoint(%q) = %+v, want %+v", test.raw, got, test.want)
			}
		})
	}
}

// drive writes data, then reads until want responses have completed.
func drive(t *testing.T, conn net.Conn, connection Connection, data []byte, want int) []Response {
	t.Helper()
	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var responses []Response
	buffer := make([]byte, 32<<10)
	for len(responses) < want {
		if control := connection.DataToSend(); len(control) > 0 {
			if _, err := conn.Write(control); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
		n, err := conn.Read(buffer)
		if n > 0 {
			completed, receiveErr := connection.Receive(buffer[:n])
			if receiveErr != nil {
				t.Fatalf("Receive: %v", receiveErr)
			}
			responses = append(responses, completed...)
		}
		if err != nil {
			if err == io.EOF && len(responses) >= want {
				break
			}
			t.Fatalf("Read after %d responses: %v", len(responses), err)
		}
	}
	return responses
}

func echoLengthHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Proto", r.Proto)
	io.WriteString(w, `{"path":"`+r.URL.Path+`","length":`+strconv.Itoa(len(body))+`}`)
}

func TestDialHTTP1Pipelined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(echoLengthHandler))
	defer server.Close()

	endpoint, err := ParseEndpoint(server.URL)
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	dialer := &Dialer{Timeout: 5 * time.Second}
	conn, framing, err := dialer.DialContext(context.Background(), endpoint, FramingHTTP1)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()
	if framing != FramingHTTP1 {
		t.Fatalf("framing = %s, want http1", framing)
	}

	connection, err := New(framing, Config{Host: endpoint.Host})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, second := uuid.New(), uuid.New()
	var out bytes.Buffer
	out.Write(mustEncode(t, connection, Request{ID: first, Method: http.MethodPost, Target: "/one", Body: []byte("abc")}))
	out.Write(mustEncode(t, connection, Request{ID: second, Target: "/two"}))

	responses := drive(t, conn, connection, out.Bytes(), 2)
	if responses[0].ID != first || string(responses[0].Body) != `{"path":"/one","length":3}` {
		t.Errorf("first response = %+v (body %q)", responses[0], responses[0].Body)
	}
	if responses[1].ID != second || string(responses[1].Body) != `{"path":"/two","length":0}` {
		t.Errorf("second response = %+v (body %q)", responses[1], responses[1].Body)
	}
}

func TestDialHTTP2OverTLS(t *testing.T) {
	server := httptest.NewUnstartedServer(http.HandlerFunc(echoLengthHandler))
	server.EnableHTTP2 = true
	server.StartTLS()
	defer server.Close()

	endpoint, err := ParseEndpoint(server.URL)
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	dialer := &Dialer{
		Timeout: 5 * time.Second,
		// The test certificate is issued for example.com and the
		// loopback addresses.
		TLSConfig: &tls.Config{RootCAs: roots, ServerName: "example.com"},
	}
	conn, framing, err := dialer.DialContext(context.Background(), endpoint, FramingHTTP2)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()
	if framing != FramingHTTP2 {
		t.Fatalf("framing = %s, want http2 from ALPN", framing)
	}

	connection, err := New(framing, Config{Host: endpoint.Host, TLS: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	preface := connection.DataToSend()

	// Larger than the default 65535-byte send window.
	body := bytes.Repeat([]byte("x"), 100<<10)
	id := uuid.New()
	request := mustEncode(t, connection, Request{ID: id, Method: http.MethodPut, Target: "/upload", Body: body})

	responses := drive(t, conn, connection, append(preface, request...), 1)
	response := responses[0]
	if response.ID != id || response.StatusCode != http.StatusOK {
		t.Fatalf("response = %+v", response)
	}
	if string(response.Body) != `{"path":"/upload","length":102400}` {
		t.Errorf("body = %q", response.Body)
	}
	if got := response.Header.Get("X-Proto"); got != "HTTP/2.0" {
		t.Errorf("server saw %q, want HTTP/2.0", got)
	}
}
