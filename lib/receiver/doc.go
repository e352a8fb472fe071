// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package receiver runs the cloud sync receive loop for one sync
// group.
//
// A Receiver is an actor: a single goroutine (Run) that repeatedly
// opens a pull with the current watermarks, fans each streamed batch
// of message descriptors out to the fetch pipeline, joins every task,
// merges the resulting end times into the watermarks, saves them and
// tells the ingester new operations are ready. The watermark store is
// touched only by that goroutine and only after a batch has joined.
//
// The loop is a three-state machine published through Status:
//
//	Fetching ──ok──▶ Idle ──poll interval──▶ Fetching
//	    │                 └──ctx done──▶ return
//	    └──error──▶ Recovering ──backoff──▶ Fetching
//
// A batch with any failed message advances nothing. Its messages that
// did succeed are already stored, and storing them again on retry is
// a no-op, so the retry re-fetches the whole batch.
package receiver
