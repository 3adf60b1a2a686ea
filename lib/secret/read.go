// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a secret from a file, or from the first line of
// stdin when path is "-". See ReadLine for the stdin rules. The caller
// closes the returned Buffer.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		buffer, err := ReadLine(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return buffer, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return protectTrimmed(data)
}

// ReadLine reads the first line of r as a secret. Surrounding
// whitespace is trimmed; an empty line is an error.
func ReadLine(r io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no input")
	}
	return protectTrimmed(scanner.Bytes())
}

// protectTrimmed moves the trimmed secret in data into a Buffer and
// zeroes all of data.
func protectTrimmed(data []byte) (*Buffer, error) {
	defer Zero(data)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret is empty")
	}
	return NewFromBytes(trimmed)
}
