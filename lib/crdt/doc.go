// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt defines the operation types carried by cloud sync
// messages and their plaintext encoding.
//
// A sync message decrypts to an Envelope whose payload is a
// CompressedBatch: the operations of one device grouped by model and
// record. Expand turns the batch back into explicit Operations
// stamped with the originating device. Nothing in this package
// interprets what an operation does; merge semantics belong to the
// ingester.
package crdt
