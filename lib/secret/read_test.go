// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFromPath(t *testing.T) {
	directory := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{name: "plain", content: "AGE-SECRET-KEY-1XYZ", want: "AGE-SECRET-KEY-1XYZ"},
		{name: "trailing newline", content: "hunter2\n", want: "hunter2"},
		{name: "surrounding whitespace", content: "  hunter2 \t\n", want: "hunter2"},
		{name: "inner whitespace kept", content: "correct horse\n", want: "correct horse"},
		{name: "empty", content: "", wantErr: true},
		{name: "whitespace only", content: " \n\t\n", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(directory, strings.ReplaceAll(test.name, " ", "-"))
			if err := os.WriteFile(path, []byte(test.content), 0600); err != nil {
				t.Fatal(err)
			}
			buffer, err := ReadFromPath(path)
			if test.wantErr {
				if err == nil {
					buffer.Close()
					t.Fatal("ReadFromPath succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadFromPath: %v", err)
			}
			defer buffer.Close()
			if got := buffer.String(); got != test.want {
				t.Errorf("secret = %q, want %q", got, test.want)
			}
		})
	}
}

func TestReadFromPathMissingFile(t *testing.T) {
	if _, err := ReadFromPath(filepath.Join(t.TempDir(), "absent")); !os.IsNotExist(err) {
		t.Errorf("error = %v, want not-exist", err)
	}
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "first line only", input: "token\nsecond line\n", want: "token"},
		{name: "no newline", input: "  token  ", want: "token"},
		{name: "no input", input: "", wantErr: true},
		{name: "blank first line", input: "\nlater\n", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buffer, err := ReadLine(strings.NewReader(test.input))
			if test.wantErr {
				if err == nil {
					buffer.Close()
					t.Fatal("ReadLine succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadLine: %v", err)
			}
			defer buffer.Close()
			if got := buffer.String(); got != test.want {
				t.Errorf("secret = %q, want %q", got, test.want)
			}
		})
	}
}
