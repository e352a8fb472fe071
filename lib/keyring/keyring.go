// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring holds the secret keys of the sync groups this device
// belongs to.
//
// Keys are indexed by group and key hash, the pair every sync message
// descriptor names. A Ring owns its keys: they live in locked memory
// (cloudcrypto.SecretKey) until the ring is closed.
//
// On disk the ring is sealed with age to one or more X25519
// recipients. The sealed plaintext is CBOR:
//
//	{version: 1, groups: [{group: "<uuid>", keys: [h'..32 bytes..', ...]}]}
package keyring

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/cloudsync/lib/cloudcrypto"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
)

// Ring maps (group, key hash) to secret keys. Safe for concurrent
// use.
type Ring struct {
	mu     sync.RWMutex
	groups map[crdt.GroupID]map[cloudcrypto.KeyHash]*cloudcrypto.SecretKey
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{groups: make(map[crdt.GroupID]map[cloudcrypto.KeyHash]*cloudcrypto.SecretKey)}
}

// Add stores key for group and takes ownership of it. Adding a key the
// ring already holds closes the duplicate and keeps the original.
// Returns the key's hash.
func (r *Ring) Add(group crdt.GroupID, key *cloudcrypto.SecretKey) cloudcrypto.KeyHash {
	hash := key.Hash()

	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.groups[group]
	if !ok {
		keys = make(map[cloudcrypto.KeyHash]*cloudcrypto.SecretKey)
		r.groups[group] = keys
	}
	if _, exists := keys[hash]; exists {
		key.Close()
		return hash
	}
	keys[hash] = key
	return hash
}

// Key returns the key with hash in group. The ring keeps ownership.
func (r *Ring) Key(group crdt.GroupID, hash cloudcrypto.KeyHash) (*cloudcrypto.SecretKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.groups[group][hash]
	return key, ok
}

// Hashes returns the hashes of group's keys, sorted.
func (r *Ring) Hashes(group crdt.GroupID) []cloudcrypto.KeyHash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedHashes(r.groups[group])
}

// Len returns the total number of keys across all groups.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, keys := range r.groups {
		count += len(keys)
	}
	return count
}

// Close releases every key. The ring is empty afterwards.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, keys := range r.groups {
		for _, key := range keys {
			if err := key.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	clear(r.groups)
	return firstErr
}

// sortedGroups returns group ids in byte order so sealed files are
// deterministic apart from the age encryption itself.
func (r *Ring) sortedGroups() []crdt.GroupID {
	return slices.SortedFunc(maps.Keys(r.groups), func(a, b crdt.GroupID) int {
		return bytes.Compare(a[:], b[:])
	})
}

func sortedHashes(keys map[cloudcrypto.KeyHash]*cloudcrypto.SecretKey) []cloudcrypto.KeyHash {
	return slices.Sorted(maps.Keys(keys))
}

func (r *Ring) String() string {
	return fmt.Sprintf("keyring(%d keys)", r.Len())
}
