// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// compressionTag is the first byte of every stored value. These are
// on-disk constants.
type compressionTag uint8

const (
	compressionNone compressionTag = 0
	compressionLZ4  compressionTag = 1
)

// maxValueSize bounds the declared uncompressed size of a value, so a
// corrupt header cannot trigger a huge allocation.
const maxValueSize = 256 << 20

// pack frames data as tag, uvarint uncompressed length, payload. LZ4
// is used only when it shrinks the data.
func pack(data []byte) []byte {
	header := make([]byte, 1, 1+binary.MaxVarintLen64)
	header = binary.AppendUvarint(header, uint64(len(data)))

	if compressed, ok := compressLZ4(data); ok {
		header[0] = byte(compressionLZ4)
		return append(header, compressed...)
	}
	header[0] = byte(compressionNone)
	return append(header, data...)
}

// unpack reverses pack.
func unpack(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("sessionstore: empty value")
	}
	tag := compressionTag(value[0])
	size, read := binary.Uvarint(value[1:])
	if read <= 0 {
		return nil, fmt.Errorf("sessionstore: corrupt value header")
	}
	if size > maxValueSize {
		return nil, fmt.Errorf("sessionstore: value declares %d bytes, limit %d", size, maxValueSize)
	}
	payload := value[1+read:]

	switch tag {
	case compressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("sessionstore: value has %d bytes, header says %d", len(payload), size)
		}
		return payload, nil
	case compressionLZ4:
		destination := make([]byte, size)
		written, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: lz4 decompress: %w", err)
		}
		if uint64(written) != size {
			return nil, fmt.Errorf("sessionstore: lz4 decompress: got %d bytes, expected %d", written, size)
		}
		return destination, nil
	default:
		return nil, fmt.Errorf("sessionstore: unknown compression tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	// Zero means lz4 judged the block incompressible.
	if err != nil || written == 0 || written >= len(data) {
		return nil, false
	}
	return destination[:written], true
}

// digest is a keyed BLAKE3 hash of an entry's plaintext.
type digest [32]byte

func keyedDigest(key *[32]byte, name string, plaintext []byte) digest {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("sessionstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(name))
	hasher.Write([]byte{0})
	hasher.Write(plaintext)
	var sum digest
	copy(sum[:], hasher.Sum(nil))
	return sum
}
