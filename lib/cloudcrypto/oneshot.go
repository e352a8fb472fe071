// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloudcrypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// OneShotNonceSize is the nonce prefix of a one-shot ciphertext.
	// It is also the smallest body any valid sync message can have.
	OneShotNonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the Poly1305 authentication tag appended by every
	// seal operation.
	TagSize = chacha20poly1305.Overhead

	// BlockPlaintextMax is the largest plaintext sealed as a single
	// one-shot block. Larger plaintexts use the stream format.
	BlockPlaintextMax = 64 << 10

	// OneShotCiphertextMax is the largest one-shot ciphertext. A
	// download longer than this is a stream.
	OneShotCiphertextMax = OneShotNonceSize + BlockPlaintextMax + TagSize
)

// oneShotAAD binds one-shot ciphertexts to this format.
var oneShotAAD = []byte("cloudsync.sync.oneshot.v1")

var (
	// ErrAuthentication is returned when a ciphertext fails AEAD
	// verification: wrong key, tampered bytes, truncation or
	// reordering.
	ErrAuthentication = errors.New("ciphertext authentication failed")

	// ErrMalformed is returned when a ciphertext is structurally
	// invalid before any authentication is attempted.
	ErrMalformed = errors.New("malformed ciphertext")
)

// EncryptOneShot seals plaintext as a one-shot ciphertext with a
// random nonce.
func EncryptOneShot(key *SecretKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) > BlockPlaintextMax {
		return nil, fmt.Errorf("one-shot plaintext is %d bytes, maximum is %d", len(plaintext), BlockPlaintextMax)
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	output := make([]byte, OneShotNonceSize, OneShotNonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, output); err != nil {
		return nil, fmt.Errorf("generating one-shot nonce: %w", err)
	}
	return aead.Seal(output, output[:OneShotNonceSize], plaintext, oneShotAAD), nil
}

// DecryptOneShot opens a one-shot ciphertext (nonce prefix included).
func DecryptOneShot(key *SecretKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < OneShotNonceSize+TagSize {
		return nil, fmt.Errorf("%w: one-shot ciphertext is %d bytes, minimum is %d",
			ErrMalformed, len(ciphertext), OneShotNonceSize+TagSize)
	}
	if len(ciphertext) > OneShotCiphertextMax {
		return nil, fmt.Errorf("%w: one-shot ciphertext is %d bytes, maximum is %d",
			ErrMalformed, len(ciphertext), OneShotCiphertextMax)
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, ciphertext[:OneShotNonceSize], ciphertext[OneShotNonceSize:], oneShotAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: one-shot block", ErrAuthentication)
	}
	return plaintext, nil
}
