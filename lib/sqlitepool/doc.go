// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the local SQLite database received
// operations are written to.
//
// It is a thin layer over zombiezen.com/go/sqlite's sqlitex.Pool:
// every connection gets WAL journaling with synchronous=FULL and a
// busy timeout, the schema is brought up to date from an append-only
// list of migration scripts keyed by PRAGMA user_version, and Write
// wraps a callback in an IMMEDIATE transaction.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:       filepath.Join(dataDirectory, "operations.db"),
//	    Migrations: []string{schemaV1},
//	    Logger:     logger,
//	})
//	...
//	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "INSERT ...", &sqlitex.ExecOptions{Args: args})
//	})
package sqlitepool
