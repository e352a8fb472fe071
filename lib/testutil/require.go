// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the bounded channel waits shared by the
// cloudsync tests. These are the only places tests use a real
// wall-clock timeout; everything else runs on a fake clock.
package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch, failing the test if
// none arrives within timeout or ch is closed. message is a plain
// string or a format string followed by its arguments.
//
//	update := testutil.RequireReceive(t, updates, 5*time.Second, "waiting for %s", state)
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, message ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", describe(message))
		}
		return value
	case <-timer.C:
		t.Fatalf("no value after %v while %s", timeout, describe(message))
	}
	panic("unreachable")
}

// RequireClosed fails the test unless ch is closed (or yields a value)
// within timeout.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, message ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("channel still open after %v: %s", timeout, describe(message))
	}
}

// RequireQuiet fails the test if ch yields anything within window.
// Use it to show that something which must not happen has not, once
// the expected events have been received.
func RequireQuiet[T any](t TB, ch <-chan T, window time.Duration, message ...any) {
	t.Helper()
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v within %v: %s", value, window, describe(message))
		}
		t.Fatalf("channel closed within %v: %s", window, describe(message))
	case <-timer.C:
	}
}

func describe(message []any) string {
	switch {
	case len(message) == 0:
		return "waiting"
	case len(message) == 1:
		return fmt.Sprint(message[0])
	}
	if format, ok := message[0].(string); ok {
		return fmt.Sprintf(format, message[1:]...)
	}
	return fmt.Sprint(message...)
}
