// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bureau-foundation/cloudsync/lib/codec"
)

func mustRaw(t *testing.T, value any) codec.RawMessage {
	t.Helper()
	data, err := codec.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal(%v): %v", value, err)
	}
	return data
}

func sampleOperations(t *testing.T, device DeviceID) []Operation {
	t.Helper()
	recordA := mustRaw(t, "record-a")
	recordB := mustRaw(t, "record-b")
	return []Operation{
		{Device: device, Timestamp: 10, Model: 1, RecordID: recordA, Kind: KindCreate, Data: mustRaw(t, map[string]string{"name": "a"})},
		{Device: device, Timestamp: 11, Model: 2, RecordID: recordB, Kind: KindCreate},
		{Device: device, Timestamp: 12, Model: 1, RecordID: recordA, Kind: KindUpdate, Data: mustRaw(t, map[string]string{"name": "a2"})},
		{Device: device, Timestamp: 13, Model: 1, RecordID: recordB, Kind: KindDelete},
	}
}

func TestCompressGroupsByModelAndRecord(t *testing.T) {
	device := NewDeviceID()
	batch := Compress(sampleOperations(t, device))

	if batch.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", batch.Len())
	}
	if len(batch.Models) != 2 {
		t.Fatalf("len(Models) = %d, want 2", len(batch.Models))
	}
	if batch.Models[0].Model != 1 || batch.Models[1].Model != 2 {
		t.Fatalf("model order = %d, %d, want 1, 2", batch.Models[0].Model, batch.Models[1].Model)
	}
	if len(batch.Models[0].Records) != 2 {
		t.Fatalf("model 1 has %d records, want 2", len(batch.Models[0].Records))
	}
	if got := len(batch.Models[0].Records[0].Operations); got != 2 {
		t.Fatalf("model 1 record a has %d operations, want 2", got)
	}
}

func TestExpandStampsDevice(t *testing.T) {
	recorder := NewDeviceID()
	batch := Compress(sampleOperations(t, recorder))

	origin := NewDeviceID()
	operations, err := batch.Expand(origin)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(operations) != 4 {
		t.Fatalf("Expand returned %d operations, want 4", len(operations))
	}
	timestamps := make(map[uint64]Operation)
	for _, operation := range operations {
		if operation.Device != origin {
			t.Fatalf("operation %d device = %s, want %s", operation.Timestamp, operation.Device, origin)
		}
		timestamps[operation.Timestamp] = operation
	}
	update := timestamps[12]
	if update.Model != 1 || update.Kind != KindUpdate {
		t.Fatalf("operation 12 = model %d kind %q, want model 1 kind %q", update.Model, update.Kind, KindUpdate)
	}
	if !bytes.Equal(update.RecordID, mustRaw(t, "record-a")) {
		t.Fatalf("operation 12 record id = %x, want record-a", update.RecordID)
	}
}

func TestExpandRejectsDuplicateTimestamp(t *testing.T) {
	batch := CompressedBatch{Models: []ModelOperations{
		{Model: 1, Records: []RecordOperations{
			{RecordID: mustRaw(t, "x"), Operations: []CompressedOperation{{Timestamp: 5, Kind: KindCreate}}},
			{RecordID: mustRaw(t, "y"), Operations: []CompressedOperation{{Timestamp: 5, Kind: KindCreate}}},
		}},
	}}
	_, err := batch.Expand(NewDeviceID())
	if err == nil {
		t.Fatal("Expand succeeded on duplicate timestamps")
	}
	if !strings.Contains(err.Error(), "appears twice") {
		t.Fatalf("error = %v, want duplicate timestamp error", err)
	}
}

func TestEnvelopeCompressionModes(t *testing.T) {
	device := NewDeviceID()
	// Repetitive payload so every compressor actually shrinks it.
	var operations []Operation
	for i := range 200 {
		operations = append(operations, Operation{
			Device:    device,
			Timestamp: uint64(1000 + i),
			Model:     3,
			RecordID:  mustRaw(t, "shared-record"),
			Kind:      KindUpdate,
			Data:      mustRaw(t, map[string]string{"field": "value value value value"}),
		})
	}
	batch := Compress(operations)

	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			plaintext, err := EncodeBatch(batch, compression)
			if err != nil {
				t.Fatalf("EncodeBatch: %v", err)
			}

			var envelope Envelope
			if err := codec.Unmarshal(plaintext, &envelope); err != nil {
				t.Fatalf("decoding envelope: %v", err)
			}
			if envelope.Compression != compression {
				t.Fatalf("envelope compression = %s, want %s", envelope.Compression, compression)
			}

			decoded, err := DecodeBatch(plaintext)
			if err != nil {
				t.Fatalf("DecodeBatch: %v", err)
			}
			if decoded.Len() != len(operations) {
				t.Fatalf("decoded Len() = %d, want %d", decoded.Len(), len(operations))
			}
		})
	}
}

func TestEncodeBatchIncompressibleFallsBack(t *testing.T) {
	batch := CompressedBatch{Models: []ModelOperations{{Model: 1, Records: []RecordOperations{
		{RecordID: mustRaw(t, 1), Operations: []CompressedOperation{{Timestamp: 1, Kind: KindCreate}}},
	}}}}
	plaintext, err := EncodeBatch(batch, CompressionZstd)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	var envelope Envelope
	if err := codec.Unmarshal(plaintext, &envelope); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if envelope.Compression != CompressionNone {
		t.Fatalf("tiny payload compression = %s, want none", envelope.Compression)
	}
}

func TestDecodeBatchRejectsBadEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		envelope Envelope
		want     string
	}{
		{"version", Envelope{Version: 9, Size: 0}, "not supported"},
		{"oversize", Envelope{Version: EnvelopeVersion, Size: MaxPayloadSize + 1}, "limit"},
		{"size mismatch", Envelope{Version: EnvelopeVersion, Size: 10, Payload: []byte{1, 2}}, "declares"},
		{"compression", Envelope{Version: EnvelopeVersion, Compression: 7, Size: 1, Payload: []byte{1}}, "unsupported compression"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			plaintext, err := codec.Marshal(test.envelope)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			_, err = DecodeBatch(plaintext)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("DecodeBatch error = %v, want containing %q", err, test.want)
			}
		})
	}
}

func TestDeviceIDText(t *testing.T) {
	id := NewDeviceID()
	parsed, err := ParseDeviceID(id.String())
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	if parsed != id {
		t.Fatalf("ParseDeviceID(%s) = %s", id, parsed)
	}
	if _, err := ParseDeviceID("not-a-uuid"); err == nil {
		t.Fatal("ParseDeviceID accepted garbage")
	}
	if !(DeviceID{}).IsZero() || id.IsZero() {
		t.Fatal("IsZero mismatch")
	}
}
