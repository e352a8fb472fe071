// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config describes a database to open.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string

	// Connections is the pool size. Defaults to 4. A file database
	// has one writer at a time regardless, so extra connections only
	// serve concurrent reads.
	Connections int

	// Migrations are schema scripts. Migration i brings the database
	// from user_version i to i+1; Open applies the ones a database
	// has not seen yet, each in its own IMMEDIATE transaction.
	// Entries must never be edited once released, only appended.
	Migrations []string

	Logger *slog.Logger
}

// Pool is a fixed set of SQLite connections sharing one database
// file. Safe for concurrent use; a borrowed *sqlite.Conn is not.
type Pool struct {
	inner  *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// Open opens the database, creating it if needed, and brings its
// schema up to date.
func Open(config Config) (*Pool, error) {
	if config.Path == "" {
		return nil, errors.New("sqlitepool: Path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	connections := config.Connections
	if connections <= 0 {
		connections = 4
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize:    connections,
		PrepareConn: applyPragmas,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", config.Path, err)
	}
	pool := &Pool{inner: inner, path: config.Path, logger: logger}

	version, err := pool.migrate(config.Migrations)
	if err != nil {
		inner.Close()
		return nil, err
	}

	logger.Info("database opened",
		"path", config.Path,
		"connections", connections,
		"schema_version", version,
	)
	return pool, nil
}

// Take borrows a connection, waiting until one is free or ctx ends.
// Every successful Take must be paired with Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: taking connection: %w", err)
	}
	return conn, nil
}

// Put returns a borrowed connection. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Write runs fn inside an IMMEDIATE transaction on a borrowed
// connection. The write lock is taken up front, so fn never fails
// halfway with SQLITE_BUSY on lock upgrade. The transaction commits
// when fn returns nil and rolls back otherwise.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// Read runs fn on a borrowed connection without a transaction.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Close waits for borrowed connections to come back, then closes all
// of them.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("closing database failed", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("database closed", "path", p.path)
	return nil
}

// migrate applies pending migrations and returns the resulting schema
// version.
func (p *Pool) migrate(migrations []string) (int, error) {
	conn, err := p.Take(context.Background())
	if err != nil {
		return 0, err
	}
	defer p.Put(conn)

	version, err := userVersion(conn)
	if err != nil {
		return 0, err
	}
	if version > len(migrations) {
		return 0, fmt.Errorf("sqlitepool: %s has schema version %d, this build knows %d",
			p.path, version, len(migrations))
	}

	for next := version; next < len(migrations); next++ {
		if err := applyMigration(conn, next, migrations[next]); err != nil {
			return 0, err
		}
		p.logger.Debug("schema migration applied", "path", p.path, "version", next+1)
	}
	return len(migrations), nil
}

func applyMigration(conn *sqlite.Conn, index int, script string) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: beginning migration %d: %w", index+1, err)
	}
	defer endTransaction(&err)

	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: %w", index+1, err)
	}
	// PRAGMA arguments cannot be bound parameters.
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", index+1), nil); err != nil {
		return fmt.Errorf("sqlitepool: recording schema version %d: %w", index+1, err)
	}
	return nil
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitepool: reading schema version: %w", err)
	}
	return version, nil
}

// pragmas run on every connection when it is first used.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	// FULL fsyncs the WAL on every commit. Stored operations must be
	// durable before the receiver records them as received.
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
}

func applyPragmas(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}
