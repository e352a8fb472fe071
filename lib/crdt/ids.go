// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/google/uuid"
)

// DeviceID identifies one device of a sync group. Operations carry the
// DeviceID of the device that recorded them; watermarks are tracked
// per DeviceID.
type DeviceID uuid.UUID

// NewDeviceID returns a random DeviceID.
func NewDeviceID() DeviceID { return DeviceID(uuid.New()) }

// ParseDeviceID parses the canonical text form of a DeviceID.
func ParseDeviceID(text string) (DeviceID, error) {
	parsed, err := uuid.Parse(text)
	if err != nil {
		return DeviceID{}, fmt.Errorf("parsing device id %q: %w", text, err)
	}
	return DeviceID(parsed), nil
}

func (id DeviceID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero value.
func (id DeviceID) IsZero() bool { return id == DeviceID{} }

// MarshalText implements encoding.TextMarshaler. CBOR and YAML both
// carry ids in their text form.
func (id DeviceID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(text)
}

// GroupID identifies a sync group: the set of devices sharing a
// library and its secret keys.
type GroupID uuid.UUID

// NewGroupID returns a random GroupID.
func NewGroupID() GroupID { return GroupID(uuid.New()) }

// ParseGroupID parses the canonical text form of a GroupID.
func ParseGroupID(text string) (GroupID, error) {
	parsed, err := uuid.Parse(text)
	if err != nil {
		return GroupID{}, fmt.Errorf("parsing group id %q: %w", text, err)
	}
	return GroupID(parsed), nil
}

func (id GroupID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero value.
func (id GroupID) IsZero() bool { return id == GroupID{} }

// MarshalText implements encoding.TextMarshaler.
func (id GroupID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *GroupID) UnmarshalText(text []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(text)
}
