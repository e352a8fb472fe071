// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watermark persists how far the receiver has pulled each
// remote device's operations.
//
// A watermark is the end time of the newest fully processed message
// from a device. The store is a plain map owned by a single goroutine
// (the receiver actor); it has no internal locking. Merge only ever
// moves a device's watermark forward, and Save replaces the on-disk
// file atomically, so a crash leaves either the previous or the new
// state and never a partial one.
//
// The file format is deterministic CBOR:
//
//	{version: 1, entries: [{device: "<uuid>", timestamp: "<rfc3339nano>"}, ...]}
//
// Entries are written sorted by device id so identical states produce
// identical files.
package watermark

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bureau-foundation/cloudsync/lib/codec"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
)

// FileName is the name of the watermark file inside the data
// directory.
const FileName = "cloud_sync_data_keeper.bin"

// FormatVersion is the file format version written by Save. Load
// rejects any other version.
const FormatVersion = 1

type fileEntry struct {
	Device    crdt.DeviceID `cbor:"device"`
	Timestamp time.Time     `cbor:"timestamp"`
}

type fileFormat struct {
	Version int         `cbor:"version"`
	Entries []fileEntry `cbor:"entries"`
}

// Store maps each remote device to the end time of the newest message
// received from it. Not safe for concurrent use.
type Store struct {
	path    string
	entries map[crdt.DeviceID]time.Time
}

// Load reads the watermark file from directory. A missing file yields
// an empty store bound to the same path. A file that cannot be parsed
// or carries an unknown version is an error: starting over from an
// empty store would silently re-download the group's whole history.
func Load(directory string) (*Store, error) {
	path := filepath.Join(directory, FileName)
	store := &Store{
		path:    path,
		entries: make(map[crdt.DeviceID]time.Time),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("reading watermark file: %w", err)
	}

	var file fileFormat
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing watermark file %s: %w", path, err)
	}
	if file.Version != FormatVersion {
		return nil, fmt.Errorf("watermark file %s has version %d, expected %d", path, file.Version, FormatVersion)
	}
	for _, entry := range file.Entries {
		if entry.Device.IsZero() {
			return nil, fmt.Errorf("watermark file %s contains an entry with no device id", path)
		}
		// Save never writes a device twice. If a file does, the latest
		// timestamp wins so a watermark cannot move backwards.
		store.Merge(entry.Device, entry.Timestamp)
	}
	return store, nil
}

// Path returns the file the store reads and writes.
func (s *Store) Path() string { return s.path }

// Get returns the watermark for device and whether one is recorded.
func (s *Store) Get(device crdt.DeviceID) (time.Time, bool) {
	timestamp, ok := s.entries[device]
	return timestamp, ok
}

// Len returns the number of devices with a watermark.
func (s *Store) Len() int { return len(s.entries) }

// Snapshot returns a copy of every watermark. The pull request sends
// this map as its cursor.
func (s *Store) Snapshot() map[crdt.DeviceID]time.Time {
	return maps.Clone(s.entries)
}

// Merge records timestamp for device if the device has no watermark
// yet or timestamp is strictly later than the current one. Returns
// whether the watermark changed.
func (s *Store) Merge(device crdt.DeviceID, timestamp time.Time) bool {
	current, ok := s.entries[device]
	if ok && !timestamp.After(current) {
		return false
	}
	s.entries[device] = timestamp.UTC()
	return true
}

// Save writes every watermark to disk, replacing the previous file.
// The data is written to a temporary file in the same directory,
// fsynced and renamed into place, then the directory is fsynced so
// the rename survives power loss.
func (s *Store) Save() error {
	devices := slices.SortedFunc(maps.Keys(s.entries), func(a, b crdt.DeviceID) int {
		return bytes.Compare(a[:], b[:])
	})
	file := fileFormat{
		Version: FormatVersion,
		Entries: make([]fileEntry, 0, len(devices)),
	}
	for _, device := range devices {
		file.Entries = append(file.Entries, fileEntry{Device: device, Timestamp: s.entries[device]})
	}

	data, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding watermarks: %w", err)
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary watermark file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary watermark file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary watermark file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary watermark file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming watermark file into place: %w", err)
	}

	directory, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("opening watermark directory for sync: %w", err)
	}
	defer directory.Close()
	if err := directory.Sync(); err != nil {
		return fmt.Errorf("syncing watermark directory: %w", err)
	}
	return nil
}
