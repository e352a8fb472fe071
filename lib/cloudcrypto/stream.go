// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloudcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// StreamNonceSize is the nonce prefix of a stream ciphertext.
	StreamNonceSize = 32

	// StreamChunkSize is the plaintext size of every chunk except
	// the final one.
	StreamChunkSize = 64 << 10

	encryptedChunkSize = StreamChunkSize + TagSize
)

// streamKeyInfo is the HKDF info string for per-stream chunk keys.
// Changing it invalidates every stream ciphertext.
var streamKeyInfo = []byte("cloudsync.sync.stream.v1")

// StreamNonce is the random prefix of a stream ciphertext.
type StreamNonce [StreamNonceSize]byte

// EncryptStream writes a complete stream ciphertext (nonce prefix
// included) of everything read from source to sink.
func EncryptStream(key *SecretKey, source io.Reader, sink io.Writer) error {
	var nonce StreamNonce
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generating stream nonce: %w", err)
	}
	if _, err := sink.Write(nonce[:]); err != nil {
		return fmt.Errorf("writing stream nonce: %w", err)
	}

	aead, err := streamCipher(key, nonce)
	if err != nil {
		return err
	}

	// One byte of lookahead past the chunk tells us whether the chunk
	// is the final one.
	buffer := make([]byte, StreamChunkSize+1)
	sealed := make([]byte, 0, encryptedChunkSize)
	filled := 0
	var counter uint64
	for {
		read, err := io.ReadFull(source, buffer[filled:])
		filled += read
		final := false
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		case err != nil:
			return fmt.Errorf("reading stream plaintext: %w", err)
		}

		chunkLength := filled
		if !final {
			chunkLength = StreamChunkSize
		}
		sealed = aead.Seal(sealed[:0], chunkNonce(counter, final), buffer[:chunkLength], nil)
		if _, err := sink.Write(sealed); err != nil {
			return fmt.Errorf("writing stream chunk %d: %w", counter, err)
		}
		if final {
			return nil
		}

		buffer[0] = buffer[StreamChunkSize]
		filled = 1
		if counter, err = nextCounter(counter); err != nil {
			return err
		}
	}
}

// DecryptStream reads stream chunks from source (the nonce prefix
// must already have been consumed and passed as nonce) and writes the
// plaintext to sink. Errors from source are returned wrapped as-is so
// callers can distinguish a broken download from ErrAuthentication
// and ErrMalformed.
func DecryptStream(key *SecretKey, nonce StreamNonce, source io.Reader, sink io.Writer) error {
	aead, err := streamCipher(key, nonce)
	if err != nil {
		return err
	}

	buffer := make([]byte, encryptedChunkSize+1)
	plaintext := make([]byte, 0, StreamChunkSize)
	filled := 0
	var counter uint64
	for {
		read, err := io.ReadFull(source, buffer[filled:])
		filled += read
		final := false
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		case err != nil:
			return fmt.Errorf("reading stream chunk %d: %w", counter, err)
		}

		chunkLength := filled
		if !final {
			chunkLength = encryptedChunkSize
		}
		if chunkLength < TagSize {
			return fmt.Errorf("%w: stream chunk %d is %d bytes, shorter than its tag", ErrMalformed, counter, chunkLength)
		}

		plaintext, err = aead.Open(plaintext[:0], chunkNonce(counter, final), buffer[:chunkLength], nil)
		if err != nil {
			return fmt.Errorf("%w: stream chunk %d", ErrAuthentication, counter)
		}
		if final && len(plaintext) == 0 && counter > 0 {
			// Only an entirely empty stream may end with an empty
			// chunk; otherwise the previous chunk should have been
			// flagged final.
			return fmt.Errorf("%w: empty final chunk after %d chunks", ErrMalformed, counter)
		}
		if _, err := sink.Write(plaintext); err != nil {
			return fmt.Errorf("writing stream plaintext: %w", err)
		}
		if final {
			return nil
		}

		buffer[0] = buffer[encryptedChunkSize]
		filled = 1
		if counter, err = nextCounter(counter); err != nil {
			return err
		}
	}
}

func streamCipher(key *SecretKey, nonce StreamNonce) (cipher.AEAD, error) {
	chunkKey := make([]byte, chacha20poly1305.KeySize)
	defer clear(chunkKey)

	if _, err := io.ReadFull(hkdf.New(sha256.New, key.Bytes(), nonce[:], streamKeyInfo), chunkKey); err != nil {
		return nil, fmt.Errorf("deriving stream chunk key: %w", err)
	}
	aead, err := chacha20poly1305.New(chunkKey)
	if err != nil {
		return nil, fmt.Errorf("creating ChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

// chunkNonce lays out [counter: 11 bytes big-endian][final flag: 1 byte].
func chunkNonce(counter uint64, final bool) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[3:11], counter)
	if final {
		nonce[11] = 1
	}
	return nonce
}

func nextCounter(counter uint64) (uint64, error) {
	if counter == math.MaxUint64 {
		return 0, fmt.Errorf("%w: stream chunk counter overflow", ErrMalformed)
	}
	return counter + 1, nil
}
