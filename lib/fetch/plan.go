// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"io"

	"github.com/bureau-foundation/cloudsync/lib/cloudcrypto"
)

// planKind is the decryption strategy for one download.
type planKind int

const (
	// planOneShot decrypts the whole body as a single block.
	planOneShot planKind = iota
	// planStream reads a stream nonce and decrypts chunk by chunk.
	planStream
	// planIncomplete rejects a body too short to hold any nonce.
	planIncomplete
)

func (k planKind) String() string {
	switch k {
	case planOneShot:
		return "one-shot"
	case planStream:
		return "stream"
	case planIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// oneShotThreshold is the longest body decrypted as one block.
const oneShotThreshold = cloudcrypto.OneShotCiphertextMax

// choosePlan picks the strategy for a body.
//
// contentLength is the length the server declared, or -1 when it
// declared none. For unknown lengths, buffered is how many bytes were
// read ahead and atEOF whether the body ended within them; the read
// ahead stops at oneShotThreshold+1 bytes, so !atEOF implies
// buffered > oneShotThreshold.
func choosePlan(contentLength int64, buffered int, atEOF bool) planKind {
	if contentLength >= 0 {
		if contentLength <= oneShotThreshold {
			return planOneShot
		}
		return planStream
	}

	switch {
	case buffered < cloudcrypto.OneShotNonceSize:
		return planIncomplete
	case atEOF && buffered <= oneShotThreshold:
		return planOneShot
	default:
		return planStream
	}
}

// replayReader yields the unread tail of a read-ahead buffer, then
// continues with the live body.
type replayReader struct {
	buffered []byte
	cursor   int
	live     io.Reader
}

func (r *replayReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.cursor < len(r.buffered) {
		n := copy(p, r.buffered[r.cursor:])
		r.cursor += n
		return n, nil
	}
	return r.live.Read(p)
}
