// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type codedError struct{ code int }

func (e *codedError) Error() string { return fmt.Sprintf("exit %d", e.code) }
func (e *codedError) ExitCode() int { return e.code }

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"coder", &codedError{code: 3}, 3},
		{"wrapped coder", fmt.Errorf("running: %w", &codedError{code: 4}), 4},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode = %d, want %d", got, test.want)
			}
		})
	}
}

func TestReport(t *testing.T) {
	var out bytes.Buffer
	Report(&out, nil)
	if out.Len() != 0 {
		t.Fatalf("Report(nil) wrote %q", out.String())
	}
	Report(&out, errors.New("no homeserver"))
	if got := out.String(); got != "error: no homeserver\n" {
		t.Errorf("Report = %q", got)
	}
}
