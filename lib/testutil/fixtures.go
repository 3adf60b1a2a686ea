// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"testing"
)

var sequence atomic.Uint64

// UniqueID appends a process-wide sequence number to prefix:
// UniqueID("$event") yields "$event-1", then "$event-2".
func UniqueID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(sequence.Add(1), 10)
}

// MarshalJSON encodes value or fails the test.
func MarshalJSON(t testing.TB, value any) []byte {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal %T: %v", value, err)
	}
	return data
}

// DecodeObject decodes a JSON object or fails the test, for looking
// into request bodies without a struct per endpoint.
func DecodeObject(t testing.TB, data []byte) map[string]any {
	t.Helper()
	var object map[string]any
	if err := json.Unmarshal(data, &object); err != nil {
		t.Fatalf("decode JSON object %q: %v", data, err)
	}
	return object
}
