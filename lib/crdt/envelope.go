// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/cloudsync/lib/codec"
)

// EnvelopeVersion is the only envelope format this package reads.
const EnvelopeVersion = 1

// MaxPayloadSize bounds the decompressed size of a batch. A batch
// claiming more is rejected before any allocation.
const MaxPayloadSize = 256 << 20

// MaxEnvelopeSize bounds an encoded envelope: a maximal payload plus
// the envelope's own fields.
const MaxEnvelopeSize = MaxPayloadSize + 1<<10

// Compression identifies how an envelope payload is compressed. The
// values are wire constants.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Envelope is the decrypted plaintext of a sync message: a CBOR
// CompressedBatch, optionally compressed.
type Envelope struct {
	Version     uint8       `cbor:"version"`
	Compression Compression `cbor:"compression"`
	Size        int         `cbor:"size"`
	Payload     []byte      `cbor:"payload"`
}

// errIncompressible is returned internally when compression would not
// shrink the payload.
var errIncompressible = errors.New("payload is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("crdt: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		panic("crdt: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeBatch produces envelope plaintext for batch. When compression
// does not make the payload smaller, the envelope falls back to
// CompressionNone.
func EncodeBatch(batch CompressedBatch, compression Compression) ([]byte, error) {
	payload, err := codec.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encoding operation batch: %w", err)
	}

	envelope := Envelope{
		Version:     EnvelopeVersion,
		Compression: CompressionNone,
		Size:        len(payload),
		Payload:     payload,
	}

	if compression != CompressionNone {
		compressed, err := compress(payload, compression)
		switch {
		case err == nil:
			envelope.Compression = compression
			envelope.Payload = compressed
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}

	plaintext, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return plaintext, nil
}

// DecodeBatch parses envelope plaintext and returns the batch inside.
func DecodeBatch(plaintext []byte) (CompressedBatch, error) {
	var envelope Envelope
	if err := codec.Unmarshal(plaintext, &envelope); err != nil {
		return CompressedBatch{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if envelope.Version != EnvelopeVersion {
		return CompressedBatch{}, fmt.Errorf("envelope version %d is not supported (expected %d)",
			envelope.Version, EnvelopeVersion)
	}
	if envelope.Size < 0 || envelope.Size > MaxPayloadSize {
		return CompressedBatch{}, fmt.Errorf("envelope declares %d payload bytes, limit is %d",
			envelope.Size, MaxPayloadSize)
	}

	payload, err := decompress(envelope.Payload, envelope.Compression, envelope.Size)
	if err != nil {
		return CompressedBatch{}, err
	}

	var batch CompressedBatch
	if err := codec.Unmarshal(payload, &batch); err != nil {
		return CompressedBatch{}, fmt.Errorf("decoding operation batch: %w", err)
	}
	return batch, nil
}

func compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock reports 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}

func decompress(payload []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, envelope declares %d", len(payload), size)
		}
		return payload, nil

	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, envelope declares %d", read, size)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, envelope declares %d", len(result), size)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}
