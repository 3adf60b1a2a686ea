// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// decodeBody applies Content-Encoding and enforces the size limit.
// The header is updated to describe the decoded body.
func decodeBody(header http.Header, body []byte, limit int) ([]byte, error) {
	if len(body) > limit {
		return nil, ErrResponseTooLarge
	}

	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
	default:
		// Unknown codings are passed through; the engine degrades a
		// body it cannot parse to an empty object.
		return body, nil
	}

	if len(body) == 0 {
		header.Del("Content-Encoding")
		return body, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: gzip body: %w", err)
	}
	defer reader.Close()

	decoded, err := io.ReadAll(io.LimitReader(reader, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("transport: gzip body: %w", err)
	}
	if len(decoded) > limit {
		return nil, ErrResponseTooLarge
	}

	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return decoded, nil
}

// requestHeader copies the caller's header and fills in the defaults
// both framings send.
func requestHeader(req Request, cfg Config) http.Header {
	header := make(http.Header, len(req.Header)+3)
	for name, values := range req.Header {
		header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if cfg.UserAgent != "" && header.Get("User-Agent") == "" {
		header.Set("User-Agent", cfg.UserAgent)
	}
	if header.Get("Accept-Encoding") == "" {
		header.Set("Accept-Encoding", "gzip")
	}
	if len(req.Body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	return header
}
