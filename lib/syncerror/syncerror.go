// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncerror classifies failures of the cloud sync receive
// path. Every error produced by the pull client, the fetch pipeline
// and the watermark store is wrapped in an *Error carrying a Kind, so
// the receiver (and its tests) can tell a transport hiccup from a
// tampered ciphertext without string matching:
//
//	if syncerror.KindOf(err) == syncerror.MissingKey { ... }
//
// Detail types (*StatusError, *CountMismatchError, *MissingKeyError)
// sit inside the chain and are extracted with errors.As.
package syncerror

import (
	"errors"
	"fmt"
)

// Kind is the coarse failure category.
type Kind int

const (
	// Unknown is returned by KindOf for errors that were never
	// classified.
	Unknown Kind = iota
	// Transport covers gRPC stream failures, HTTP connection errors,
	// non-2xx download responses and body read errors.
	Transport
	// Auth covers access token acquisition and relay rejections of
	// the token.
	Auth
	// Crypto covers AEAD authentication failures and malformed
	// ciphertext framing.
	Crypto
	// Protocol covers relay payloads that decode but violate the
	// contract: count mismatches, malformed descriptors, truncated
	// downloads, in-band relay errors.
	Protocol
	// Serialization covers CBOR decode failures of the watermark
	// file and of decrypted operation batches.
	Serialization
	// Persistence covers watermark file I/O and storage writer
	// commit failures.
	Persistence
	// MissingKey means no secret key is known for a message's key
	// hash. No download is attempted.
	MissingKey
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Auth:
		return "auth"
	case Crypto:
		return "crypto"
	case Protocol:
		return "protocol"
	case Serialization:
		return "serialization"
	case Persistence:
		return "persistence"
	case MissingKey:
		return "missing_key"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the step that failed
// ("downloading sync messages", "saving watermarks").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation description. Returns nil
// when err is nil so call sites can wrap unconditionally.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Unknown
}

// ErrIncompleteDownload is returned when a download of unknown size
// ends before it could hold even a one-shot nonce.
var ErrIncompleteDownload = errors.New("download ended before a complete nonce was received")

// StatusError reports a non-2xx response from a signed download link.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("download returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("download returned HTTP %d: %s", e.StatusCode, e.Body)
}

// CountMismatchError reports a decrypted batch whose operation count
// differs from the count the relay declared for it. The batch is
// rejected before anything is written to storage.
type CountMismatchError struct {
	Declared uint32
	Decoded  int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("sync message declared %d operations but decoded %d", e.Declared, e.Decoded)
}

// MissingKeyError names the group and key hash no key was found for.
type MissingKeyError struct {
	Group   string
	KeyHash string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("no secret key for group %s with key hash %s", e.Group, e.KeyHash)
}

// TaskPanicError is produced when a fetch task panics instead of
// returning. The receiver treats it like any other iteration failure.
type TaskPanicError struct {
	Value any
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("sync message task panicked: %v", e.Value)
}

// RemoteError carries an in-band error reported by the relay inside
// an otherwise healthy pull stream.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "relay reported: " + e.Message
}
