// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport frames HTTP requests and responses for a sans-IO
// client engine.
//
// A [Connection] never touches a socket. The caller writes the bytes
// returned by [Connection.Encode] and [Connection.DataToSend] to its
// own connection and feeds every byte it reads to
// [Connection.Receive], which returns the responses completed by that
// input. Each response carries the ID of the request that produced it.
//
// Two framings share the interface:
//
//   - HTTP/1.1 ([FramingHTTP1]): keep-alive with pipelining. Responses
//     arrive in request order and are matched first-in first-out.
//     Content-Length and chunked bodies are supported.
//   - HTTP/2 ([FramingHTTP2]): the client preface, SETTINGS exchange,
//     HPACK header compression, and one stream per request, using
//     golang.org/x/net/http2's Framer. PING and SETTINGS are
//     acknowledged, receive windows are replenished, and the send
//     window is honored for large request bodies. A stream reset by
//     the peer completes with status [StatusStreamReset].
//
// Response bodies with Content-Encoding gzip are decompressed with
// klauspost/compress before they are returned.
//
// [Dialer] opens the TCP or TLS connection a caller drives the codec
// over, negotiating "h2" through ALPN when HTTP/2 is requested.
package transport
