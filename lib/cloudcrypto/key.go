// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloudcrypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// KeySize is the size in bytes of a sync group secret key.
const KeySize = 32

// keyHashDomain prefixes the key material when computing a KeyHash so
// that the identifier can never collide with another BLAKE3 use of the
// same bytes.
var keyHashDomain = []byte("cloudsync.sync.keyhash.v1")

// KeyHash identifies a secret key without revealing it. The relay
// stores it alongside every message so receivers can find the key
// that encrypted the message.
type KeyHash string

// SecretKey holds a sync group key in memory allocated outside the Go
// heap via mmap, excluded from core dumps and, when the process's
// RLIMIT_MEMLOCK allows it, locked against swap. The memory is zeroed
// and unmapped on Close; any access after Close panics.
type SecretKey struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// NewSecretKey copies material into protected memory and zeroes the
// caller's slice. material must be exactly KeySize bytes.
func NewSecretKey(material []byte) (*SecretKey, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", KeySize, len(material))
	}

	data, err := unix.Mmap(-1, 0, KeySize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocating key memory: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("excluding key memory from core dumps: %w", err)
	}

	// A key ring may hold many keys and each one pins a page. Running
	// out of RLIMIT_MEMLOCK leaves the key unlocked rather than
	// refusing to sync.
	locked := true
	if err := unix.Mlock(data); err != nil {
		if !errors.Is(err, unix.ENOMEM) && !errors.Is(err, unix.EPERM) {
			unix.Munmap(data)
			return nil, fmt.Errorf("locking key memory: %w", err)
		}
		locked = false
	}

	copy(data, material)
	clear(material)

	return &SecretKey{data: data, locked: locked}, nil
}

// GenerateSecretKey returns a new random key.
func GenerateSecretKey() (*SecretKey, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("generating secret key: %w", err)
	}
	return NewSecretKey(material)
}

// Bytes returns the key material. The slice points into the protected
// region; do not retain it beyond the key's lifetime.
func (k *SecretKey) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		panic("cloudcrypto: read from closed secret key")
	}
	return k.data
}

// Locked reports whether the key memory is locked against swap.
func (k *SecretKey) Locked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.locked
}

// Hash returns the key's identifier.
func (k *SecretKey) Hash() KeyHash {
	return HashKey(k.Bytes())
}

// Close zeroes and releases the key memory. Idempotent.
func (k *SecretKey) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	clear(k.data)

	var firstError error
	if k.locked {
		if err := unix.Munlock(k.data); err != nil {
			firstError = fmt.Errorf("unlocking key memory: %w", err)
		}
	}
	if err := unix.Munmap(k.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("unmapping key memory: %w", err)
	}
	k.data = nil
	return firstError
}

// HashKey computes the KeyHash of raw key material.
func HashKey(material []byte) KeyHash {
	hasher := blake3.New()
	hasher.Write(keyHashDomain)
	hasher.Write(material)
	return KeyHash(hex.EncodeToString(hasher.Sum(nil)))
}
