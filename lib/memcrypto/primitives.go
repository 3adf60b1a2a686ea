// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memcrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/mxengine/lib/secret"
)

// keySize is the size of every symmetric key and X25519 scalar.
const keySize = 32

// blobVersion prefixes every sealed blob and is part of its additional
// authenticated data.
const blobVersion byte = 0x01

const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info strings and BLAKE3 domain tags. Changing any of them
// breaks every existing session.
var (
	hkdfInfoPairwise     = []byte("mxengine.pairwise.v1")
	hkdfInfoGroupMessage = []byte("mxengine.group.message.v1")

	domainGroupSessionID    = []byte("mxengine.group.session-id.v1")
	domainPairwiseSessionID = []byte("mxengine.pairwise.session-id.v1")
	domainFingerprint       = []byte("mxengine.fingerprint.v1")
)

// encodeKey is the unpadded base64 used for keys and ciphertext on the
// wire.
func encodeKey(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

func decodeKey(encoded string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(encoded)
}

func randomKey() ([keySize]byte, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("memcrypto: generating random key: %w", err)
	}
	return key, nil
}

// generateCurveKey returns a fresh X25519 private scalar and its public
// point.
func generateCurveKey() ([keySize]byte, []byte, error) {
	private, err := randomKey()
	if err != nil {
		return private, nil, err
	}
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return private, nil, fmt.Errorf("memcrypto: deriving curve25519 public key: %w", err)
	}
	return private, public, nil
}

// sharedSecret runs X25519 against an encoded peer key.
func sharedSecret(private []byte, peerPublic string) ([]byte, error) {
	public, err := decodeKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("memcrypto: decoding curve25519 key: %w", err)
	}
	if len(public) != curve25519.PointSize {
		return nil, fmt.Errorf("memcrypto: curve25519 key is %d bytes, want %d", len(public), curve25519.PointSize)
	}
	shared, err := curve25519.X25519(private, public)
	if err != nil {
		return nil, fmt.Errorf("memcrypto: curve25519 agreement: %w", err)
	}
	return shared, nil
}

// deriveKey is HKDF-SHA256 with a nil salt. The input key material is
// zeroed afterwards.
func deriveKey(inputKeyMaterial, info []byte) ([keySize]byte, error) {
	var derived [keySize]byte
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	_, err := io.ReadFull(reader, derived[:])
	secret.Zero(inputKeyMaterial)
	if err != nil {
		return derived, fmt.Errorf("memcrypto: HKDF key derivation failed: %w", err)
	}
	return derived, nil
}

// sealBlob encrypts plaintext with XChaCha20-Poly1305:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// The version byte and additional are authenticated.
func sealBlob(key *[keySize]byte, plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("memcrypto: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("memcrypto: generating nonce: %w", err)
	}
	output := make([]byte, 1+len(nonce), blobOverhead+len(plaintext))
	output[0] = blobVersion
	copy(output[1:], nonce[:])
	return aead.Seal(output, nonce[:], plaintext, blobAAD(additional)), nil
}

func openBlob(key *[keySize]byte, blob, additional []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("memcrypto: ciphertext is %d bytes, minimum is %d", len(blob), blobOverhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("memcrypto: ciphertext version %d is not supported", blob[0])
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("memcrypto: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blobAAD(additional))
	if err != nil {
		return nil, fmt.Errorf("memcrypto: authentication failed: %w", err)
	}
	return plaintext, nil
}

func blobAAD(additional []byte) []byte {
	aad := make([]byte, 0, 1+len(additional))
	aad = append(aad, blobVersion)
	return append(aad, additional...)
}

// sessionID names a session by a BLAKE3 digest of its key.
func sessionID(domain []byte, key *[keySize]byte) string {
	hasher := blake3.New()
	hasher.Write(domain)
	hasher.Write(key[:])
	sum := hasher.Sum(nil)
	return encodeKey(sum[:16])
}

// Fingerprint renders a public key for out-of-band comparison: the
// first 16 bytes of its BLAKE3 digest in hex, grouped by four.
func Fingerprint(publicKey string) string {
	hasher := blake3.New()
	hasher.Write(domainFingerprint)
	hasher.Write([]byte(publicKey))
	digest := hex.EncodeToString(hasher.Sum(nil)[:16])
	var grouped bytes.Buffer
	for index := 0; index < len(digest); index += 4 {
		if index > 0 {
			grouped.WriteByte(' ')
		}
		grouped.WriteString(digest[index : index+4])
	}
	return grouped.String()
}

// canonicalJSON renders v as compact JSON with sorted keys, without
// its "signatures" and "unsigned" members. This is the byte string
// device and one-time key signatures cover.
func canonicalJSON(v any) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, err
	}
	delete(object, "signatures")
	delete(object, "unsigned")
	return json.Marshal(object)
}
