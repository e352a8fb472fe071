// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pull is the client side of the relay's message stream.
//
// A pull is a gRPC server-streaming call: the receiver sends its
// watermark map, and the relay answers with batches of
// MessageDescriptors for every message newer than the device's entry.
// The watermark map is the only cursor; there are no page tokens, so a
// receiver that crashes mid-stream simply asks again from its last
// saved watermarks.
//
// Failures are classified with lib/syncerror: Unauthenticated and
// PermissionDenied statuses are Auth errors, other statuses are
// Transport errors, an in-band relay error is a Protocol error
// wrapping *syncerror.RemoteError.
package pull
