// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloudcrypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
)

func testKey(t *testing.T) *SecretKey {
	t.Helper()
	key, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func randomBytes(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		t.Fatalf("reading random bytes: %v", err)
	}
	return data
}

func TestNewSecretKeyZeroesSource(t *testing.T) {
	material := bytes.Repeat([]byte{0xAB}, KeySize)
	key, err := NewSecretKey(material)
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer key.Close()

	if !bytes.Equal(material, make([]byte, KeySize)) {
		t.Error("source material was not zeroed")
	}
	if !bytes.Equal(key.Bytes(), bytes.Repeat([]byte{0xAB}, KeySize)) {
		t.Error("key bytes do not match the original material")
	}
}

func TestNewSecretKeyRejectsWrongSize(t *testing.T) {
	if _, err := NewSecretKey(make([]byte, KeySize-1)); err == nil {
		t.Fatal("NewSecretKey accepted a short key")
	}
}

func TestSecretKeyCloseIdempotentAndPanicsAfter(t *testing.T) {
	key, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	if err := key.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := key.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes after Close did not panic")
		}
	}()
	key.Bytes()
}

func TestHashKeyStableAndDistinct(t *testing.T) {
	first := testKey(t)
	second := testKey(t)

	if first.Hash() != HashKey(first.Bytes()) {
		t.Error("Hash() differs from HashKey of the same material")
	}
	if first.Hash() == second.Hash() {
		t.Error("two random keys produced the same hash")
	}
	if len(first.Hash()) != 64 {
		t.Errorf("hash length = %d, want 64 hex characters", len(first.Hash()))
	}
}

func TestOneShotRoundTrip(t *testing.T) {
	key := testKey(t)
	for _, size := range []int{0, 1, 1000, BlockPlaintextMax} {
		plaintext := randomBytes(t, size)
		ciphertext, err := EncryptOneShot(key, plaintext)
		if err != nil {
			t.Fatalf("EncryptOneShot(%d bytes): %v", size, err)
		}
		if len(ciphertext) != OneShotNonceSize+size+TagSize {
			t.Errorf("ciphertext length = %d, want %d", len(ciphertext), OneShotNonceSize+size+TagSize)
		}
		decrypted, err := DecryptOneShot(key, ciphertext)
		if err != nil {
			t.Fatalf("DecryptOneShot(%d bytes): %v", size, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("round trip mismatch at %d bytes", size)
		}
	}
}

func TestOneShotRejectsOversizedPlaintext(t *testing.T) {
	key := testKey(t)
	if _, err := EncryptOneShot(key, make([]byte, BlockPlaintextMax+1)); err == nil {
		t.Fatal("EncryptOneShot accepted a plaintext larger than one block")
	}
}

func TestOneShotTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	ciphertext, err := EncryptOneShot(key, []byte("operations"))
	if err != nil {
		t.Fatalf("EncryptOneShot: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01

	_, err = DecryptOneShot(key, ciphertext)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("DecryptOneShot(tampered) = %v, want ErrAuthentication", err)
	}
}

func TestOneShotWrongKey(t *testing.T) {
	ciphertext, err := EncryptOneShot(testKey(t), []byte("operations"))
	if err != nil {
		t.Fatalf("EncryptOneShot: %v", err)
	}
	if _, err := DecryptOneShot(testKey(t), ciphertext); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("DecryptOneShot(wrong key) = %v, want ErrAuthentication", err)
	}
}

func TestOneShotTooShort(t *testing.T) {
	key := testKey(t)
	if _, err := DecryptOneShot(key, make([]byte, OneShotNonceSize)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecryptOneShot(short) = %v, want ErrMalformed", err)
	}
}

// splitStream encrypts plaintext and separates the nonce prefix from
// the chunk sequence, the way a receiver sees it after reading the
// nonce off the wire.
func splitStream(t *testing.T, key *SecretKey, plaintext []byte) (StreamNonce, []byte) {
	t.Helper()
	var ciphertext bytes.Buffer
	if err := EncryptStream(key, bytes.NewReader(plaintext), &ciphertext); err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	var nonce StreamNonce
	copy(nonce[:], ciphertext.Bytes()[:StreamNonceSize])
	return nonce, ciphertext.Bytes()[StreamNonceSize:]
}

func TestStreamRoundTrip(t *testing.T) {
	key := testKey(t)
	sizes := []int{0, 1, StreamChunkSize - 1, StreamChunkSize, StreamChunkSize + 1, 3*StreamChunkSize + 17}
	for _, size := range sizes {
		plaintext := randomBytes(t, size)
		nonce, chunks := splitStream(t, key, plaintext)

		var decrypted bytes.Buffer
		if err := DecryptStream(key, nonce, bytes.NewReader(chunks), &decrypted); err != nil {
			t.Fatalf("DecryptStream(%d bytes): %v", size, err)
		}
		if !bytes.Equal(decrypted.Bytes(), plaintext) {
			t.Errorf("stream round trip mismatch at %d bytes", size)
		}
	}
}

func TestStreamTruncatedAtChunkBoundary(t *testing.T) {
	key := testKey(t)
	nonce, chunks := splitStream(t, key, randomBytes(t, 2*StreamChunkSize+5))

	// Dropping the final chunk leaves a sequence of full chunks; the
	// last of them is then opened as "final" and must fail.
	truncated := chunks[:2*encryptedChunkSize]
	err := DecryptStream(key, nonce, bytes.NewReader(truncated), io.Discard)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("DecryptStream(truncated) = %v, want ErrAuthentication", err)
	}
}

func TestStreamSwappedChunks(t *testing.T) {
	key := testKey(t)
	nonce, chunks := splitStream(t, key, randomBytes(t, 2*StreamChunkSize+5))

	swapped := make([]byte, 0, len(chunks))
	swapped = append(swapped, chunks[encryptedChunkSize:2*encryptedChunkSize]...)
	swapped = append(swapped, chunks[:encryptedChunkSize]...)
	swapped = append(swapped, chunks[2*encryptedChunkSize:]...)

	err := DecryptStream(key, nonce, bytes.NewReader(swapped), io.Discard)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("DecryptStream(swapped) = %v, want ErrAuthentication", err)
	}
}

func TestStreamEmptySource(t *testing.T) {
	key := testKey(t)
	var nonce StreamNonce
	err := DecryptStream(key, nonce, bytes.NewReader(nil), io.Discard)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecryptStream(empty) = %v, want ErrMalformed", err)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamSourceErrorPassesThrough(t *testing.T) {
	key := testKey(t)
	readError := errors.New("connection reset")
	var nonce StreamNonce
	err := DecryptStream(key, nonce, failingReader{err: readError}, io.Discard)
	if !errors.Is(err, readError) {
		t.Fatalf("DecryptStream = %v, want wrapped source error", err)
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrMalformed) {
		t.Error("source failure misreported as a crypto failure")
	}
}

func TestEncryptMessagePicksFormatBySize(t *testing.T) {
	key := testKey(t)

	small, err := EncryptMessage(key, randomBytes(t, BlockPlaintextMax))
	if err != nil {
		t.Fatalf("EncryptMessage(small): %v", err)
	}
	if len(small) > OneShotCiphertextMax {
		t.Errorf("one-block message is %d bytes, above the one-shot maximum %d", len(small), OneShotCiphertextMax)
	}

	plaintext := randomBytes(t, BlockPlaintextMax+1)
	large, err := EncryptMessage(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptMessage(large): %v", err)
	}
	if len(large) <= OneShotCiphertextMax {
		t.Fatalf("stream message is %d bytes, not above the one-shot maximum %d", len(large), OneShotCiphertextMax)
	}

	var nonce StreamNonce
	copy(nonce[:], large[:StreamNonceSize])
	var decrypted bytes.Buffer
	if err := DecryptStream(key, nonce, bytes.NewReader(large[StreamNonceSize:]), &decrypted); err != nil {
		t.Fatalf("DecryptStream: %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Error("stream message round trip mismatch")
	}
}
