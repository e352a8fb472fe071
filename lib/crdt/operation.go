// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bureau-foundation/cloudsync/lib/codec"
)

// Kind names the shape of an operation's Data. The receive path
// stores it verbatim; only the ingester interprets it.
type Kind string

const (
	KindCreate Kind = "c"
	KindUpdate Kind = "u"
	KindDelete Kind = "d"
)

// Operation is one recorded change to a shared record. Timestamp is
// the recording device's hybrid logical clock reading; it is unique
// per device, so (Device, Timestamp) identifies an operation.
type Operation struct {
	Device    DeviceID         `cbor:"device"`
	Timestamp uint64           `cbor:"timestamp"`
	Model     uint16           `cbor:"model"`
	RecordID  codec.RawMessage `cbor:"record_id"`
	Kind      Kind             `cbor:"kind"`
	Data      codec.RawMessage `cbor:"data,omitempty"`
}

// CompressedOperation is an Operation with the fields shared by its
// group (device, model, record) factored out.
type CompressedOperation struct {
	Timestamp uint64           `cbor:"timestamp"`
	Kind      Kind             `cbor:"kind"`
	Data      codec.RawMessage `cbor:"data,omitempty"`
}

// RecordOperations groups the operations of one record.
type RecordOperations struct {
	RecordID   codec.RawMessage      `cbor:"record_id"`
	Operations []CompressedOperation `cbor:"operations"`
}

// ModelOperations groups the records of one model.
type ModelOperations struct {
	Model   uint16             `cbor:"model"`
	Records []RecordOperations `cbor:"records"`
}

// CompressedBatch is the wire form of many operations recorded by a
// single device. The device id itself is not part of the batch: the
// relay's message descriptor names it, and Expand stamps it onto
// every operation.
type CompressedBatch struct {
	Models []ModelOperations `cbor:"models"`
}

// Len returns the number of operations in the batch.
func (b *CompressedBatch) Len() int {
	count := 0
	for _, model := range b.Models {
		for _, record := range model.Records {
			count += len(record.Operations)
		}
	}
	return count
}

// Expand returns the batch's operations as explicit Operations
// attributed to device. Two operations with the same timestamp can
// only come from a corrupt or forged batch and are rejected.
func (b *CompressedBatch) Expand(device DeviceID) ([]Operation, error) {
	operations := make([]Operation, 0, b.Len())
	seen := mapset.NewThreadUnsafeSetWithSize[uint64](b.Len())

	for _, model := range b.Models {
		for _, record := range model.Records {
			for _, compressed := range record.Operations {
				if !seen.Add(compressed.Timestamp) {
					return nil, fmt.Errorf("operation timestamp %d appears twice in batch from device %s",
						compressed.Timestamp, device)
				}
				operations = append(operations, Operation{
					Device:    device,
					Timestamp: compressed.Timestamp,
					Model:     model.Model,
					RecordID:  record.RecordID,
					Kind:      compressed.Kind,
					Data:      compressed.Data,
				})
			}
		}
	}
	return operations, nil
}

// Compress groups operations by model and record, preserving the
// order in which models, records and operations first appear. The
// Device field is dropped; every operation is assumed to come from
// the same device.
func Compress(operations []Operation) CompressedBatch {
	var batch CompressedBatch
	modelIndex := make(map[uint16]int)
	recordIndex := make(map[uint16]map[string]int)

	for _, operation := range operations {
		modelPosition, ok := modelIndex[operation.Model]
		if !ok {
			modelPosition = len(batch.Models)
			modelIndex[operation.Model] = modelPosition
			recordIndex[operation.Model] = make(map[string]int)
			batch.Models = append(batch.Models, ModelOperations{Model: operation.Model})
		}
		model := &batch.Models[modelPosition]

		recordKey := string(operation.RecordID)
		recordPosition, ok := recordIndex[operation.Model][recordKey]
		if !ok {
			recordPosition = len(model.Records)
			recordIndex[operation.Model][recordKey] = recordPosition
			model.Records = append(model.Records, RecordOperations{RecordID: operation.RecordID})
		}
		record := &model.Records[recordPosition]

		record.Operations = append(record.Operations, CompressedOperation{
			Timestamp: operation.Timestamp,
			Kind:      operation.Kind,
			Data:      operation.Data,
		})
	}
	return batch
}
