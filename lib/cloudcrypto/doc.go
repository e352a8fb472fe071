// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cloudcrypto implements the symmetric formats used for sync
// messages stored on the cloud relay.
//
// Two ciphertext formats exist, chosen by the sender from the
// plaintext size:
//
//   - One-shot: [nonce: 24 bytes] [XChaCha20-Poly1305 ciphertext+tag].
//     Plaintext is at most BlockPlaintextMax bytes, so the whole
//     message is at most OneShotCiphertextMax bytes.
//   - Stream: [nonce: 32 bytes] followed by a sequence of
//     ChaCha20-Poly1305 chunks, each sealing up to StreamChunkSize
//     bytes. The chunk key is derived with HKDF-SHA256 from the
//     secret key and the stream nonce; each chunk nonce is an 11-byte
//     big-endian counter plus a final-chunk flag byte, so truncation
//     and reordering fail authentication.
//
// A receiver that knows the download size picks the format by
// comparing against OneShotCiphertextMax. A receiver that does not
// buffers up to that many bytes first; see lib/fetch.
//
// Secret keys live in mmap memory outside the Go heap (see
// SecretKey) and are identified by a KeyHash, the BLAKE3 digest of
// the key under a domain tag.
package cloudcrypto
