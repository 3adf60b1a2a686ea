// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxHeaderBytes bounds the status line plus header block of one
// HTTP/1.1 response.
const maxHeaderBytes = 1 << 20

var crlf = []byte("\r\n")

type http1Inflight struct {
	id      uuid.UUID
	method  string
	timeout time.Duration
}

// http1Connection pipelines requests over one HTTP/1.1 connection.
// HTTP/1.1 has no request identifiers on the wire, so responses are
// matched to requests in send order.
type http1Connection struct {
	cfg      Config
	inflight []http1Inflight
	buffer   []byte
	closed   bool
}

func newHTTP1Connection(cfg Config) *http1Connection {
	return &http1Connection{cfg: cfg}
}

func (c *http1Connection) Framing() Framing { return FramingHTTP1 }

func (c *http1Connection) Pending() int { return len(c.inflight) }

// DataToSend is always empty: HTTP/1.1 has no connection-level
// control traffic.
func (c *http1Connection) DataToSend() []byte { return nil }

func (c *http1Connection) Encode(req Request) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(req.Target, "/") {
		return nil, fmt.Errorf("transport: request target %q is not origin-form", req.Target)
	}

	header := requestHeader(req, c.cfg)
	header.Del("Host")
	header.Del("Transfer-Encoding")
	if len(req.Body) > 0 || method == http.MethodPost || method == http.MethodPut {
		header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	} else {
		header.Del("Content-Length")
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "%s %s HTTP/1.1\r\n", method, req.Target)
	fmt.Fprintf(&out, "Host: %s\r\n", c.cfg.Host)
	if err := header.Write(&out); err != nil {
		return nil, fmt.Errorf("transport: writing header: %w", err)
	}
	out.Write(crlf)
	out.Write(req.Body)

	c.inflight = append(c.inflight, http1Inflight{
		id:      req.ID,
		method:  method,
		timeout: req.Timeout,
	})
	return out.Bytes(), nil
}

func (c *http1Connection) Receive(data []byte) ([]Response, error) {
	c.buffer = append(c.buffer, data...)

	var responses []Response
	for len(c.buffer) > 0 {
		response, consumed, err := c.parseResponse(c.buffer)
		if err != nil {
			return responses, err
		}
		if consumed == 0 {
			break
		}
		c.buffer = c.buffer[consumed:]
		if response != nil {
			responses = append(responses, *response)
		}
	}
	if len(c.buffer) == 0 {
		c.buffer = nil
	}
	return responses, nil
}

// parseResponse parses one response from the front of buffer. It
// returns consumed == 0 when more input is needed, and a nil response
// with consumed > 0 for an interim 1xx response.
func (c *http1Connection) parseResponse(buffer []byte) (*Response, int, error) {
	headerEnd := bytes.Index(buffer, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(buffer) > maxHeaderBytes {
			return nil, 0, c.protocolError("header block exceeds %d bytes", maxHeaderBytes)
		}
		return nil, 0, nil
	}
	bodyStart := headerEnd + 4

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(buffer[:bodyStart])))
	statusLine, err := reader.ReadLine()
	if err != nil {
		return nil, 0, c.protocolError("reading status line: %v", err)
	}
	statusCode, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, 0, c.protocolError("%v", err)
	}
	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, 0, c.protocolError("reading header: %v", err)
	}
	header := http.Header(mimeHeader)

	if statusCode == http.StatusSwitchingProtocols {
		return nil, 0, c.protocolError("unexpected 101 Switching Protocols")
	}
	if statusCode >= 100 && statusCode < 200 {
		return nil, bodyStart, nil
	}

	if len(c.inflight) == 0 {
		return nil, 0, c.protocolError("response received with no request in flight")
	}
	request := c.inflight[0]
	limit := c.cfg.maxResponseSize()

	var body []byte
	consumed := bodyStart
	switch {
	case request.method == http.MethodHead || statusCode == http.StatusNoContent || statusCode == http.StatusNotModified:
	case isChunked(header):
		chunked, length, complete, err := parseChunked(buffer[bodyStart:], limit)
		if err != nil {
			return nil, 0, err
		}
		if !complete {
			return nil, 0, nil
		}
		body = chunked
		consumed += length
		header.Del("Transfer-Encoding")
	case header.Get("Content-Length") != "":
		length, err := strconv.Atoi(strings.TrimSpace(header.Get("Content-Length")))
		if err != nil || length < 0 {
			return nil, 0, c.protocolError("invalid Content-Length %q", header.Get("Content-Length"))
		}
		if length > limit {
			return nil, 0, ErrResponseTooLarge
		}
		if len(buffer)-bodyStart < length {
			return nil, 0, nil
		}
		body = append([]byte(nil), buffer[bodyStart:bodyStart+length]...)
		consumed += length
	default:
		return nil, 0, c.protocolError("response has neither Content-Length nor chunked encoding")
	}

	decoded, err := decodeBody(header, body, limit)
	if err != nil {
		return nil, 0, err
	}

	c.inflight = c.inflight[1:]
	if strings.EqualFold(header.Get("Connection"), "close") {
		c.closed = true
	}

	return &Response{
		ID:         request.id,
		StatusCode: statusCode,
		Header:     header,
		Body:       decoded,
		Timeout:    request.timeout,
	}, consumed, nil
}

func (c *http1Connection) protocolError(format string, args ...any) error {
	return &ProtocolError{Framing: FramingHTTP1, Reason: fmt.Sprintf(format, args...)}
}

func parseStatusLine(line string) (int, error) {
	protocol, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(protocol, "HTTP/1.") {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	code, _, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return 0, fmt.Errorf("malformed status code in %q", line)
	}
	statusCode, err := strconv.Atoi(code)
	if err != nil || statusCode < 100 {
		return 0, fmt.Errorf("malformed status code in %q", line)
	}
	return statusCode, nil
}

func isChunked(header http.Header) bool {
	for _, value := range header.Values("Transfer-Encoding") {
		for _, coding := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
				return true
			}
		}
	}
	return false
}

// parseChunked decodes a chunked body from the front of data. It
// returns complete == false when the terminating chunk and trailer
// have not arrived yet.
func parseChunked(data []byte, limit int) (body []byte, consumed int, complete bool, err error) {
	position := 0
	for {
		lineEnd := bytes.Index(data[position:], crlf)
		if lineEnd < 0 {
			return nil, 0, false, nil
		}
		sizeField, _, _ := strings.Cut(string(data[position:position+lineEnd]), ";")
		size, parseErr := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if parseErr != nil || size < 0 {
			return nil, 0, false, &ProtocolError{Framing: FramingHTTP1, Reason: fmt.Sprintf("invalid chunk size %q", sizeField)}
		}
		position += lineEnd + 2

		if size == 0 {
			// Trailer section: header lines ending with an empty line.
			if len(data)-position < 2 {
				return nil, 0, false, nil
			}
			if bytes.HasPrefix(data[position:], crlf) {
				return body, position + 2, true, nil
			}
			trailerEnd := bytes.Index(data[position:], []byte("\r\n\r\n"))
			if trailerEnd < 0 {
				return nil, 0, false, nil
			}
			return body, position + trailerEnd + 4, true, nil
		}

		if int64(len(body))+size > int64(limit) {
			return nil, 0, false, ErrResponseTooLarge
		}
		if int64(len(data)-position) < size+2 {
			return nil, 0, false, nil
		}
		end := position + int(size)
		if !bytes.Equal(data[end:end+2], crlf) {
			return nil, 0, false, &ProtocolError{Framing: FramingHTTP1, Reason: "chunk data not followed by CRLF"}
		}
		body = append(body, data[position:end]...)
		position = end + 2
	}
}
