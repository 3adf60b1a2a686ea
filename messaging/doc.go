// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a sans-IO Matrix client engine. It turns
// operations into request bytes and response bytes into typed
// responses and client-side state, and never touches a socket.
//
// [Client] owns the [ProtocolState]: login identity, sync cursor,
// joined and invited rooms, and the set of encrypted rooms. Its
// ReceiveResponse applies any typed [Response] to that state; sync
// responses go through the sync applier, which decrypts to-device and
// timeline events in place through the configured [CryptoGateway].
//
// [HTTPClient] adds the transport driver. Each operation (Login, Sync,
// RoomSend, KeysQuery, ...) registers the request with a
// [RequestTracker] and returns its ID together with HTTP/1.1 or HTTP/2
// bytes from the transport package. The caller writes those bytes,
// feeds whatever it reads to Receive, and drains NextResponse:
//
//	client := messaging.NewHTTPClient(messaging.HTTPClientConfig{Host: "matrix.example.org", TLS: true})
//	client.Connect()
//	_, data, err := client.Login("alice", password, ref.DeviceID{})
//	conn.Write(data)
//	...
//	client.Receive(buffer[:n])
//	for {
//	    response, err := client.NextResponse(500)
//	    if err != nil || response == nil {
//	        break
//	    }
//	    ...
//	}
//
// Server failures are not Go errors: they arrive as [*ErrorResponse]
// values carrying a [*MatrixError], so retry and backoff stay with the
// caller. Go errors are reserved for misuse (ErrNotConnected,
// ErrNotLoggedIn, *UnknownRequestError) and for sync payloads too
// malformed to apply.
//
// Syncs larger than the NextResponse event limit are applied in
// [PartialSyncResponse] chunks; the cursor advances only with the last.
//
// Nothing in the package is safe for concurrent use. Callers that
// share an engine between goroutines serialize every call.
package messaging
