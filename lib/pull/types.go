// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/cloudsync/lib/cloudcrypto"
	"github.com/bureau-foundation/cloudsync/lib/codec"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
)

// MessageDescriptor is the relay's description of one encrypted sync
// message. The ciphertext itself is fetched from DownloadURL.
type MessageDescriptor struct {
	OriginDevice   crdt.DeviceID       `cbor:"origin_device"`
	StartTime      time.Time           `cbor:"start_time"`
	EndTime        time.Time           `cbor:"end_time"`
	OperationCount uint32              `cbor:"operation_count"`
	KeyHash        cloudcrypto.KeyHash `cbor:"key_hash"`
	DownloadURL    string              `cbor:"download_url"`
}

// Validate checks the fields a receiver relies on.
func (d *MessageDescriptor) Validate() error {
	var errs []error
	if d.OriginDevice.IsZero() {
		errs = append(errs, errors.New("origin device is missing"))
	}
	if d.KeyHash == "" {
		errs = append(errs, errors.New("key hash is missing"))
	}
	if d.DownloadURL == "" {
		errs = append(errs, errors.New("download url is missing"))
	}
	if d.EndTime.Before(d.StartTime) {
		errs = append(errs, fmt.Errorf("end time %s is before start time %s",
			d.EndTime.Format(time.RFC3339Nano), d.StartTime.Format(time.RFC3339Nano)))
	}
	return errors.Join(errs...)
}

// Request opens a pull. StartTimes is the receiver's watermark map:
// the relay sends only messages newer than each device's entry, and
// everything from devices that have no entry.
type Request struct {
	AccessToken string
	Group       crdt.GroupID
	Device      crdt.DeviceID
	StartTimes  map[crdt.DeviceID]time.Time
}

type startTime struct {
	Device    crdt.DeviceID `cbor:"device"`
	Timestamp time.Time     `cbor:"timestamp"`
}

type wireRequest struct {
	AccessToken string        `cbor:"access_token"`
	Group       crdt.GroupID  `cbor:"group"`
	Device      crdt.DeviceID `cbor:"device"`
	StartTimes  []startTime   `cbor:"start_times"`
}

// EncodeRequest produces the CBOR body of a pull request. Start times
// are sorted by device so identical requests encode identically.
func EncodeRequest(request Request) ([]byte, error) {
	devices := slices.SortedFunc(maps.Keys(request.StartTimes), func(a, b crdt.DeviceID) int {
		return bytes.Compare(a[:], b[:])
	})
	wire := wireRequest{
		AccessToken: request.AccessToken,
		Group:       request.Group,
		Device:      request.Device,
		StartTimes:  make([]startTime, 0, len(devices)),
	}
	for _, device := range devices {
		wire.StartTimes = append(wire.StartTimes, startTime{Device: device, Timestamp: request.StartTimes[device]})
	}
	return codec.Marshal(wire)
}

// DecodeRequest parses a pull request body. Used by relay
// implementations.
func DecodeRequest(data []byte) (Request, error) {
	var wire wireRequest
	if err := codec.Unmarshal(data, &wire); err != nil {
		return Request{}, err
	}
	request := Request{
		AccessToken: wire.AccessToken,
		Group:       wire.Group,
		Device:      wire.Device,
		StartTimes:  make(map[crdt.DeviceID]time.Time, len(wire.StartTimes)),
	}
	for _, entry := range wire.StartTimes {
		request.StartTimes[entry.Device] = entry.Timestamp
	}
	return request, nil
}

// Response is one batch on a pull stream. A non-empty Error is an
// in-band failure reported by the relay; Messages is then ignored.
type Response struct {
	Messages []MessageDescriptor `cbor:"messages"`
	Error    string              `cbor:"error,omitempty"`
}
