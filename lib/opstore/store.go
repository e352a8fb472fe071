// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package opstore stores received CRDT operations in SQLite.
//
// Operations land in a single table keyed by (device, timestamp).
// Timestamps are stored as 8-byte big-endian blobs: SQLite integers are
// signed, and blob comparison keeps the unsigned order across the full
// uint64 range.
// Writes use INSERT OR IGNORE, so storing a message that is already
// present is a no-op: the receiver relies on this when it re-fetches
// the batch that was in flight during a crash. Each WriteOperations
// call is one IMMEDIATE transaction; a message is either stored whole
// or not at all.
//
// The store does not interpret or merge operations. An ingester reads
// them back out and applies them to the library.
package opstore

import (
	"context"
	"fmt"
	"encoding/binary"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/cloudsync/lib/crdt"
	"github.com/bureau-foundation/cloudsync/lib/sqlitepool"
)

// migrations is the append-only schema history of the operations
// database.
var migrations = []string{
	`CREATE TABLE cloud_crdt_operations (
		device    BLOB    NOT NULL,
		timestamp BLOB    NOT NULL,
		model     INTEGER NOT NULL,
		record_id BLOB    NOT NULL,
		kind      TEXT    NOT NULL,
		data      BLOB,
		PRIMARY KEY (device, timestamp)
	) WITHOUT ROWID;
	CREATE INDEX cloud_crdt_operations_record
		ON cloud_crdt_operations (model, record_id);`,
}

const insertOperation = `INSERT OR IGNORE INTO cloud_crdt_operations
	(device, timestamp, model, record_id, kind, data)
	VALUES (?, ?, ?, ?, ?, ?)`

// Config configures Open.
type Config struct {
	// Path is the database file.
	Path string

	Logger *slog.Logger
}

// Store is the SQLite operation store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if needed) the operation database.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       config.Path,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening operation store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// WriteOperations stores operations in one transaction. Operations
// already present (same device and timestamp) are skipped.
func (s *Store) WriteOperations(ctx context.Context, operations []crdt.Operation) error {
	if len(operations) == 0 {
		return nil
	}
	inserted := 0
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		for i := range operations {
			operation := &operations[i]
			var data any
			if len(operation.Data) > 0 {
				data = []byte(operation.Data)
			}
			err := sqlitex.Execute(conn, insertOperation, &sqlitex.ExecOptions{
				Args: []any{
					operation.Device[:],
					timestampKey(operation.Timestamp),
					int64(operation.Model),
					[]byte(operation.RecordID),
					string(operation.Kind),
					data,
				},
			})
			if err != nil {
				return fmt.Errorf("inserting operation %d from device %s: %w",
					operation.Timestamp, operation.Device, err)
			}
			inserted += conn.Changes()
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("operations written",
		"received", len(operations),
		"inserted", inserted,
	)
	return nil
}

// Count returns the number of stored operations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM cloud_crdt_operations", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("counting operations: %w", err)
	}
	return count, nil
}

// LatestTimestamp returns the newest stored operation timestamp from
// device, and false when none is stored.
func (s *Store) LatestTimestamp(ctx context.Context, device crdt.DeviceID) (uint64, bool, error) {
	var (
		latest uint64
		found  bool
	)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT max(timestamp) FROM cloud_crdt_operations WHERE device = ?",
			&sqlitex.ExecOptions{
				Args: []any{device[:]},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if stmt.ColumnIsNull(0) {
						return nil
					}
					var err error
					latest, err = columnTimestamp(stmt, 0)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return 0, false, fmt.Errorf("reading latest timestamp for device %s: %w", device, err)
	}
	return latest, found, nil
}

// Operations returns every stored operation from device in timestamp
// order.
func (s *Store) Operations(ctx context.Context, device crdt.DeviceID) ([]crdt.Operation, error) {
	var operations []crdt.Operation
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT timestamp, model, record_id, kind, data
				FROM cloud_crdt_operations WHERE device = ? ORDER BY timestamp`,
			&sqlitex.ExecOptions{
				Args: []any{device[:]},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					timestamp, err := columnTimestamp(stmt, 0)
					if err != nil {
						return err
					}
					operation := crdt.Operation{
						Device:    device,
						Timestamp: timestamp,
						Model:     uint16(stmt.ColumnInt64(1)),
						RecordID:  columnBytes(stmt, 2),
						Kind:      crdt.Kind(stmt.ColumnText(3)),
					}
					if !stmt.ColumnIsNull(4) {
						operation.Data = columnBytes(stmt, 4)
					}
					operations = append(operations, operation)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("reading operations for device %s: %w", device, err)
	}
	return operations, nil
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	destination := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, destination)
	return destination
}

func timestampKey(timestamp uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, timestamp)
}

func columnTimestamp(stmt *sqlite.Stmt, column int) (uint64, error) {
	key := columnBytes(stmt, column)
	if len(key) != 8 {
		return 0, fmt.Errorf("stored timestamp is %d bytes, want 8", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}
