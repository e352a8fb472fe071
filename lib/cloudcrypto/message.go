// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cloudcrypto

import (
	"bytes"
)

// EncryptMessage encrypts a sync message payload in the format a
// receiver expects for its size: one-shot when the plaintext fits a
// single block, stream otherwise. This is the sender-side
// counterpart of the receiver's size-based decision.
func EncryptMessage(key *SecretKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) <= BlockPlaintextMax {
		return EncryptOneShot(key, plaintext)
	}

	var output bytes.Buffer
	output.Grow(StreamNonceSize + len(plaintext) + (len(plaintext)/StreamChunkSize+1)*TagSize)
	if err := EncryptStream(key, bytes.NewReader(plaintext), &output); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}
