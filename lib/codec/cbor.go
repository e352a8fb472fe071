// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the one CBOR configuration every cloudsync byte
// format goes through: the watermark file, pull payloads, the
// decrypted operation envelope and the sealed key ring.
//
// Encoding is deterministic (RFC 8949 core deterministic encoding),
// times are RFC 3339 strings with nanoseconds, and identifiers that
// implement encoding.TextMarshaler travel as text. Decoding ignores
// unknown fields and caps container sizes, since relay payloads are
// untrusted.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RawMessage holds encoded CBOR that is stored without being decoded,
// such as an operation's data.
type RawMessage = cbor.RawMessage

const (
	maxArrayElements = 1 << 24
	maxMapPairs      = 1 << 20
	maxNestedLevels  = 32
)

var (
	encoder cbor.EncMode
	decoder cbor.DecMode
)

func init() {
	options := cbor.CoreDetEncOptions()
	options.Time = cbor.TimeRFC3339Nano
	options.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	if encoder, err = options.EncMode(); err != nil {
		panic(fmt.Sprintf("codec: building encoder: %v", err))
	}

	decoder, err = cbor.DecOptions{
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
		MaxArrayElements: maxArrayElements,
		MaxMapPairs:      maxMapPairs,
		MaxNestedLevels:  maxNestedLevels,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building decoder: %v", err))
	}
}

// Marshal returns the deterministic CBOR encoding of v.
func Marshal(v any) ([]byte, error) {
	return encoder.Marshal(v)
}

// Unmarshal decodes data into v. Trailing bytes after the first item
// are an error.
func Unmarshal(data []byte, v any) error {
	return decoder.Unmarshal(data, v)
}
