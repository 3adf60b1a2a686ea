// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	// frameHeaderLength is the fixed size of every HTTP/2 frame header.
	frameHeaderLength = 9

	defaultWindow       = 65535
	defaultMaxFrameSize = 16384
	maxStreamID         = 1<<31 - 1

	// receiveWindow is advertised as the initial stream window, and
	// the connection window is raised to match.
	receiveWindow = 1 << 20

	headerTableSize = 4096
)

type http2Stream struct {
	id        uint32
	requestID uuid.UUID
	timeout   time.Duration

	status int
	header http.Header
	body   []byte

	sendWindow int64
	pending    []byte
	// hasBody reports whether END_STREAM rides on the last DATA frame
	// rather than on HEADERS.
	hasBody bool
}

// frameSource hands exactly one buffered frame to the Framer.
type frameSource struct {
	data []byte
}

func (s *frameSource) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

// http2Connection multiplexes requests as HTTP/2 streams.
type http2Connection struct {
	cfg Config

	out    bytes.Buffer
	source frameSource
	framer *http2.Framer
	input  []byte

	encodeBuffer bytes.Buffer
	encoder      *hpack.Encoder
	decoder      *hpack.Decoder

	// A header block may span HEADERS plus CONTINUATION frames; the
	// fragments accumulate here until END_HEADERS.
	headerStream    uint32
	headerBlock     []byte
	headerEndStream bool

	streams      map[uint32]*http2Stream
	nextStreamID uint32

	connectionSendWindow int64
	peerInitialWindow    int64
	peerMaxFrameSize     uint32

	goAway bool
}

func newHTTP2Connection(cfg Config) (*http2Connection, error) {
	c := &http2Connection{
		cfg:                  cfg,
		streams:              make(map[uint32]*http2Stream),
		nextStreamID:         1,
		connectionSendWindow: defaultWindow,
		peerInitialWindow:    defaultWindow,
		peerMaxFrameSize:     defaultMaxFrameSize,
	}
	c.framer = http2.NewFramer(&c.out, &c.source)
	c.encoder = hpack.NewEncoder(&c.encodeBuffer)
	c.decoder = hpack.NewDecoder(headerTableSize, nil)

	c.out.WriteString(http2.ClientPreface)
	err := c.framer.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: receiveWindow},
		http2.Setting{ID: http2.SettingHeaderTableSize, Val: headerTableSize},
	)
	if err != nil {
		return nil, fmt.Errorf("transport: writing SETTINGS: %w", err)
	}
	if err := c.framer.WriteWindowUpdate(0, receiveWindow-defaultWindow); err != nil {
		return nil, fmt.Errorf("transport: writing WINDOW_UPDATE: %w", err)
	}
	return c, nil
}

func (c *http2Connection) Framing() Framing { return FramingHTTP2 }

func (c *http2Connection) Pending() int { return len(c.streams) }

func (c *http2Connection) DataToSend() []byte {
	return c.drain()
}

func (c *http2Connection) drain() []byte {
	if c.out.Len() == 0 {
		return nil
	}
	data := bytes.Clone(c.out.Bytes())
	c.out.Reset()
	return data
}

func (c *http2Connection) Encode(req Request) ([]byte, error) {
	if c.goAway || c.nextStreamID > maxStreamID {
		return nil, ErrClosed
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(req.Target, "/") {
		return nil, fmt.Errorf("transport: request target %q is not origin-form", req.Target)
	}

	scheme := "http"
	if c.cfg.TLS {
		scheme = "https"
	}

	c.encodeBuffer.Reset()
	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: c.cfg.Host},
		{Name: ":path", Value: req.Target},
	}
	header := requestHeader(req, c.cfg)
	if len(req.Body) > 0 || method == http.MethodPost || method == http.MethodPut {
		header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lower := strings.ToLower(name)
		switch lower {
		case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		for _, value := range header[name] {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: value})
		}
	}
	for _, field := range fields {
		if err := c.encoder.WriteField(field); err != nil {
			return nil, fmt.Errorf("transport: encoding header %s: %w", field.Name, err)
		}
	}

	stream := &http2Stream{
		id:         c.nextStreamID,
		requestID:  req.ID,
		timeout:    req.Timeout,
		sendWindow: c.peerInitialWindow,
		pending:    req.Body,
		hasBody:    len(req.Body) > 0,
	}
	c.nextStreamID += 2

	if err := c.writeHeaderBlock(stream.id, c.encodeBuffer.Bytes(), !stream.hasBody); err != nil {
		return nil, err
	}
	c.streams[stream.id] = stream
	if err := c.flushStream(stream); err != nil {
		return nil, err
	}
	return c.drain(), nil
}

func (c *http2Connection) writeHeaderBlock(streamID uint32, block []byte, endStream bool) error {
	maxFragment := int(c.peerMaxFrameSize)
	first := block
	rest := []byte(nil)
	if len(first) > maxFragment {
		first, rest = block[:maxFragment], block[maxFragment:]
	}
	err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
	})
	if err != nil {
		return fmt.Errorf("transport: writing HEADERS: %w", err)
	}
	for len(rest) > 0 {
		fragment := rest
		if len(fragment) > maxFragment {
			fragment = rest[:maxFragment]
		}
		rest = rest[len(fragment):]
		if err := c.framer.WriteContinuation(streamID, len(rest) == 0, fragment); err != nil {
			return fmt.Errorf("transport: writing CONTINUATION: %w", err)
		}
	}
	return nil
}

// flushStream sends as much of the stream's pending body as both send
// windows allow.
func (c *http2Connection) flushStream(stream *http2Stream) error {
	for len(stream.pending) > 0 && c.connectionSendWindow > 0 && stream.sendWindow > 0 {
		size := int64(len(stream.pending))
		size = min(size, int64(c.peerMaxFrameSize), c.connectionSendWindow, stream.sendWindow)
		chunk := stream.pending[:size]
		stream.pending = stream.pending[size:]
		if err := c.framer.WriteData(stream.id, len(stream.pending) == 0, chunk); err != nil {
			return fmt.Errorf("transport: writing DATA: %w", err)
		}
		c.connectionSendWindow -= size
		stream.sendWindow -= size
	}
	return nil
}

func (c *http2Connection) flushAll() error {
	ids := make([]uint32, 0, len(c.streams))
	for id, stream := range c.streams {
		if len(stream.pending) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := c.flushStream(c.streams[id]); err != nil {
			return err
		}
	}
	return nil
}

func (c *http2Connection) Receive(data []byte) ([]Response, error) {
	c.input = append(c.input, data...)

	var responses []Response
	for len(c.input) >= frameHeaderLength {
		length := int(c.input[0])<<16 | int(c.input[1])<<8 | int(c.input[2])
		if len(c.input) < frameHeaderLength+length {
			break
		}
		c.source.data = c.input[:frameHeaderLength+length]
		frame, err := c.framer.ReadFrame()
		c.input = c.input[frameHeaderLength+length:]
		if err != nil {
			return responses, c.protocolError("reading frame: %v", err)
		}
		completed, err := c.handleFrame(frame)
		responses = append(responses, completed...)
		if err != nil {
			return responses, err
		}
	}
	if len(c.input) == 0 {
		c.input = nil
	}
	return responses, nil
}

func (c *http2Connection) handleFrame(frame http2.Frame) ([]Response, error) {
	switch frame := frame.(type) {
	case *http2.SettingsFrame:
		return nil, c.handleSettings(frame)

	case *http2.PingFrame:
		if frame.IsAck() {
			return nil, nil
		}
		return nil, c.framer.WritePing(true, frame.Data)

	case *http2.WindowUpdateFrame:
		increment := int64(frame.Increment)
		if frame.StreamID == 0 {
			c.connectionSendWindow += increment
			return nil, c.flushAll()
		}
		if stream, ok := c.streams[frame.StreamID]; ok {
			stream.sendWindow += increment
			return nil, c.flushStream(stream)
		}
		return nil, nil

	case *http2.HeadersFrame:
		c.headerStream = frame.StreamID
		c.headerBlock = append(c.headerBlock[:0], frame.HeaderBlockFragment()...)
		c.headerEndStream = frame.StreamEnded()
		if !frame.HeadersEnded() {
			return nil, nil
		}
		return c.finishHeaderBlock()

	case *http2.ContinuationFrame:
		c.headerBlock = append(c.headerBlock, frame.HeaderBlockFragment()...)
		if !frame.HeadersEnded() {
			return nil, nil
		}
		return c.finishHeaderBlock()

	case *http2.DataFrame:
		return c.handleData(frame)

	case *http2.RSTStreamFrame:
		stream, ok := c.streams[frame.StreamID]
		if !ok {
			return nil, nil
		}
		return []Response{c.resetResponse(stream, frame.ErrCode)}, nil

	case *http2.GoAwayFrame:
		c.goAway = true
		var abandoned []Response
		ids := make([]uint32, 0, len(c.streams))
		for id := range c.streams {
			if id > frame.LastStreamID {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			abandoned = append(abandoned, c.resetResponse(c.streams[id], frame.ErrCode))
		}
		return abandoned, nil

	case *http2.PushPromiseFrame:
		return nil, c.protocolError("PUSH_PROMISE received with push disabled")

	default:
		// PRIORITY and unknown extension frames carry nothing a
		// client needs.
		return nil, nil
	}
}

func (c *http2Connection) handleSettings(frame *http2.SettingsFrame) error {
	if frame.IsAck() {
		return nil
	}
	err := frame.ForeachSetting(func(setting http2.Setting) error {
		switch setting.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(setting.Val) - c.peerInitialWindow
			c.peerInitialWindow = int64(setting.Val)
			for _, stream := range c.streams {
				stream.sendWindow += delta
			}
		case http2.SettingMaxFrameSize:
			c.peerMaxFrameSize = setting.Val
		case http2.SettingHeaderTableSize:
			c.encoder.SetMaxDynamicTableSizeLimit(setting.Val)
		}
		return nil
	})
	if err != nil {
		return c.protocolError("SETTINGS: %v", err)
	}
	if err := c.framer.WriteSettingsAck(); err != nil {
		return fmt.Errorf("transport: writing SETTINGS ack: %w", err)
	}
	return c.flushAll()
}

func (c *http2Connection) finishHeaderBlock() ([]Response, error) {
	// Every block is decoded, even for unknown streams, to keep the
	// HPACK dynamic table in sync with the peer.
	fields, err := c.decoder.DecodeFull(c.headerBlock)
	c.headerBlock = c.headerBlock[:0]
	if err != nil {
		return nil, c.protocolError("decoding header block: %v", err)
	}

	stream, ok := c.streams[c.headerStream]
	if !ok {
		return nil, nil
	}

	if stream.status == 0 {
		status := 0
		header := make(http.Header)
		for _, field := range fields {
			if field.Name == ":status" {
				status, err = strconv.Atoi(field.Value)
				if err != nil {
					return nil, c.protocolError("invalid :status %q", field.Value)
				}
				continue
			}
			if strings.HasPrefix(field.Name, ":") {
				continue
			}
			header.Add(field.Name, field.Value)
		}
		if status == 0 {
			return nil, c.protocolError("response on stream %d has no :status", stream.id)
		}
		if status >= 100 && status < 200 {
			// Interim response; the final HEADERS follow.
			return nil, nil
		}
		stream.status = status
		stream.header = header
	}
	// A second block on the stream is a trailer section, which the
	// engine has no use for.

	if !c.headerEndStream {
		return nil, nil
	}
	response, err := c.complete(stream)
	if err != nil {
		return nil, err
	}
	return []Response{response}, nil
}

func (c *http2Connection) handleData(frame *http2.DataFrame) ([]Response, error) {
	// Flow control counts the whole payload, padding included.
	if flowed := frame.Header().Length; flowed > 0 {
		if err := c.framer.WriteWindowUpdate(0, flowed); err != nil {
			return nil, fmt.Errorf("transport: writing WINDOW_UPDATE: %w", err)
		}
		if !frame.StreamEnded() {
			if err := c.framer.WriteWindowUpdate(frame.StreamID, flowed); err != nil {
				return nil, fmt.Errorf("transport: writing WINDOW_UPDATE: %w", err)
			}
		}
	}

	stream, ok := c.streams[frame.StreamID]
	if !ok {
		return nil, nil
	}
	if stream.status == 0 {
		return nil, c.protocolError("DATA before HEADERS on stream %d", stream.id)
	}
	stream.body = append(stream.body, frame.Data()...)
	if len(stream.body) > c.cfg.maxResponseSize() {
		return nil, ErrResponseTooLarge
	}
	if !frame.StreamEnded() {
		return nil, nil
	}
	response, err := c.complete(stream)
	if err != nil {
		return nil, err
	}
	return []Response{response}, nil
}

func (c *http2Connection) complete(stream *http2Stream) (Response, error) {
	delete(c.streams, stream.id)
	body, err := decodeBody(stream.header, stream.body, c.cfg.maxResponseSize())
	if err != nil {
		return Response{}, err
	}
	return Response{
		ID:         stream.requestID,
		StatusCode: stream.status,
		Header:     stream.header,
		Body:       body,
		Timeout:    stream.timeout,
	}, nil
}

func (c *http2Connection) resetResponse(stream *http2Stream, code http2.ErrCode) Response {
	delete(c.streams, stream.id)
	header := make(http.Header)
	header.Set("X-Stream-Error", code.String())
	return Response{
		ID:         stream.requestID,
		StatusCode: StatusStreamReset,
		Header:     header,
		Timeout:    stream.timeout,
	}
}

func (c *http2Connection) protocolError(format string, args ...any) error {
	return &ProtocolError{Framing: FramingHTTP2, Reason: fmt.Sprintf(format, args...)}
}
