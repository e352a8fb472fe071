// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch downloads, decrypts and stores individual sync
// messages.
//
// For each MessageDescriptor the Fetcher resolves the secret key,
// waits for a download permit, GETs the signed link, decrypts the body
// with the strategy its length calls for, decodes the operation batch
// and commits it through an OperationWriter. Permits come from one
// weighted semaphore shared by every concurrent Fetch call, so at most
// Concurrency downloads are in flight no matter how large a batch is.
//
// The decryption strategy depends on the body length. When the server
// reports a Content-Length the choice is immediate. When it does not,
// the Fetcher buffers the body until it has seen more than a one-shot
// ciphertext can hold (stream) or the body ends (one-shot). The
// buffered bytes of a stream are replayed in front of the rest of the
// live body so nothing is read twice.
package fetch
