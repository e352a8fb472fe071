// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/cloudsync/lib/cloudcrypto"
	"github.com/bureau-foundation/cloudsync/lib/codec"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
)

// sealedVersion is the plaintext format version inside the age file.
const sealedVersion = 1

type sealedGroup struct {
	Group crdt.GroupID `cbor:"group"`
	Keys  [][]byte     `cbor:"keys"`
}

type sealedRing struct {
	Version int           `cbor:"version"`
	Groups  []sealedGroup `cbor:"groups"`
}

func (s *sealedRing) zero() {
	for _, group := range s.Groups {
		for _, key := range group.Keys {
			clear(key)
		}
	}
}

// Seal writes the ring to w, encrypted to recipients.
func (r *Ring) Seal(w io.Writer, recipients ...age.Recipient) error {
	if len(recipients) == 0 {
		return errors.New("sealing key ring: at least one recipient is required")
	}

	r.mu.RLock()
	plain := sealedRing{Version: sealedVersion}
	for _, group := range r.sortedGroups() {
		entry := sealedGroup{Group: group}
		for _, hash := range sortedHashes(r.groups[group]) {
			entry.Keys = append(entry.Keys, bytes.Clone(r.groups[group][hash].Bytes()))
		}
		plain.Groups = append(plain.Groups, entry)
	}
	r.mu.RUnlock()
	defer plain.zero()

	plaintext, err := codec.Marshal(plain)
	if err != nil {
		return fmt.Errorf("encoding key ring: %w", err)
	}
	defer clear(plaintext)

	writer, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("writing key ring to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing key ring encryption: %w", err)
	}
	return nil
}

// Open decrypts a sealed ring read from r.
func Open(r io.Reader, identities ...age.Identity) (*Ring, error) {
	reader, err := age.Decrypt(r, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting key ring: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key ring: %w", err)
	}
	defer clear(plaintext)

	var plain sealedRing
	if err := codec.Unmarshal(plaintext, &plain); err != nil {
		return nil, fmt.Errorf("decoding key ring: %w", err)
	}
	defer plain.zero()
	if plain.Version != sealedVersion {
		return nil, fmt.Errorf("key ring version %d is not supported (expected %d)", plain.Version, sealedVersion)
	}

	ring := New()
	for _, group := range plain.Groups {
		for index, material := range group.Keys {
			// NewSecretKey zeroes material.
			key, err := cloudcrypto.NewSecretKey(material)
			if err != nil {
				ring.Close()
				return nil, fmt.Errorf("key %d of group %s: %w", index, group.Group, err)
			}
			ring.Add(group.Group, key)
		}
	}
	return ring, nil
}

// SaveFile seals the ring to recipients and atomically replaces path.
// recipients are age public keys (age1...).
func (r *Ring) SaveFile(path string, recipients []string) error {
	parsed, err := parseRecipients(recipients)
	if err != nil {
		return err
	}

	var sealed bytes.Buffer
	if err := r.Seal(&sealed, parsed...); err != nil {
		return err
	}

	temporaryPath := path + ".tmp"
	if err := os.WriteFile(temporaryPath, sealed.Bytes(), 0600); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("writing sealed key ring: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming sealed key ring into place: %w", err)
	}
	return nil
}

// LoadFile opens the sealed ring at path with the age identities in
// identityPath (the format age-keygen writes).
func LoadFile(path, identityPath string) (*Ring, error) {
	identityFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("opening age identity file: %w", err)
	}
	defer identityFile.Close()
	identities, err := age.ParseIdentities(identityFile)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity file %s: %w", identityPath, err)
	}

	sealed, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sealed key ring: %w", err)
	}
	defer sealed.Close()

	ring, err := Open(sealed, identities...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return ring, nil
}

func parseRecipients(keys []string) ([]age.Recipient, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	recipients, err := age.ParseRecipients(strings.NewReader(strings.Join(keys, "\n")))
	if err != nil {
		return nil, fmt.Errorf("parsing recipients: %w", err)
	}
	return recipients, nil
}
