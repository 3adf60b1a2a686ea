// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/mxengine/lib/secret"
)

func TestGenerateKeypair(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if !strings.HasPrefix(keypair.PrivateKey.String(), "AGE-SECRET-KEY-1") {
		t.Error("private key does not have the AGE-SECRET-KEY-1 prefix")
	}
	if !strings.HasPrefix(keypair.PublicKey, "age1") {
		t.Errorf("PublicKey = %q, want prefix age1", keypair.PublicKey)
	}
}

func TestSealOpen(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte(`{"access_token":"syt_abc"}`)
	ciphertext, err := Seal(plaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if strings.Contains(string(ciphertext), "syt_abc") {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := Open(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer opened.Close()
	if opened.String() != string(plaintext) {
		t.Errorf("Open() = %q, want %q", opened.String(), plaintext)
	}
}

func TestSealMultipleRecipients(t *testing.T) {
	first, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer first.Close()
	second, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer second.Close()

	ciphertext, err := Seal([]byte("state"), []string{first.PublicKey, second.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	for _, keypair := range []*Keypair{first, second} {
		opened, err := Open(ciphertext, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		if opened.String() != "state" {
			t.Errorf("Open() = %q", opened.String())
		}
		opened.Close()
	}
}

func TestOpenWrongKey(t *testing.T) {
	owner, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer owner.Close()
	stranger, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer stranger.Close()

	ciphertext, err := Seal([]byte("state"), []string{owner.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if _, err := Open(ciphertext, stranger.PrivateKey); err == nil {
		t.Fatal("Open() with the wrong key succeeded")
	}
}

func TestSealRequiresRecipient(t *testing.T) {
	if _, err := Seal([]byte("x"), nil); err == nil {
		t.Fatal("Seal() with no recipients succeeded")
	}
	if _, err := Seal([]byte("x"), []string{"not-a-key"}); err == nil {
		t.Fatal("Seal() with an invalid recipient succeeded")
	}
}

func TestKeypairFromPrivateKey(t *testing.T) {
	generated, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer generated.Close()

	copied, err := secret.NewFromBytes([]byte(generated.PrivateKey.String()))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	derived, err := KeypairFromPrivateKey(copied)
	if err != nil {
		t.Fatalf("KeypairFromPrivateKey() error: %v", err)
	}
	defer derived.Close()
	if derived.PublicKey != generated.PublicKey {
		t.Errorf("derived public key %q, want %q", derived.PublicKey, generated.PublicKey)
	}
}
