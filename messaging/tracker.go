// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/mxengine/lib/clock"
)

type pendingRequest struct {
	kind    RequestKind
	extra   any
	start   time.Time
	timeout time.Duration
}

// RequestTracker correlates replies with the requests that produced
// them. Each registered request resolves at most once.
//
// RequestTracker is not safe for concurrent use.
type RequestTracker struct {
	clock   clock.Clock
	pending map[uuid.UUID]pendingRequest
}

// NewRequestTracker returns an empty tracker that stamps requests and
// responses with the given clock.
func NewRequestTracker(clk clock.Clock) *RequestTracker {
	return &RequestTracker{
		clock:   clk,
		pending: make(map[uuid.UUID]pendingRequest),
	}
}

// Register records a request the moment it is built. extra is handed
// back to the response builder: the room a send targeted, the share a
// to-device request delivers, and so on.
func (t *RequestTracker) Register(id uuid.UUID, kind RequestKind, extra any, timeout time.Duration) error {
	if !kind.valid() {
		return fmt.Errorf("messaging: registering request %s: invalid %s", id, kind)
	}
	if _, exists := t.pending[id]; exists {
		return &DuplicateRequestError{ID: id}
	}
	t.pending[id] = pendingRequest{
		kind:    kind,
		extra:   extra,
		start:   t.clock.Now(),
		timeout: timeout,
	}
	return nil
}

// Lookup reports the kind of a pending request without resolving it.
func (t *RequestTracker) Lookup(id uuid.UUID) (RequestKind, bool) {
	request, ok := t.pending[id]
	return request.kind, ok
}

// Resolve removes the pending request and builds its typed response
// from the reply body and status. The request is removed even when
// building fails, so a malformed reply cannot be resolved twice.
func (t *RequestTracker) Resolve(id uuid.UUID, body []byte, statusCode int) (Response, error) {
	request, ok := t.pending[id]
	if !ok {
		return nil, &UnknownRequestError{ID: id}
	}
	delete(t.pending, id)

	info := ResponseInfo{
		ID:         id,
		Kind:       request.kind,
		StatusCode: statusCode,
		StartTime:  request.start,
		EndTime:    t.clock.Now(),
		Timeout:    request.timeout,
	}
	return buildResponse(info, body, request.extra)
}

// Forget drops a pending request without building a response.
func (t *RequestTracker) Forget(id uuid.UUID) {
	delete(t.pending, id)
}

// Len returns the number of pending requests.
func (t *RequestTracker) Len() int { return len(t.pending) }

// Clear drops every pending request.
func (t *RequestTracker) Clear() {
	clear(t.pending)
}
