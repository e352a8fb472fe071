// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets the receive loop wait without touching the wall
// clock directly. Production passes Real(); tests pass a FakeClock and
// move it forward explicitly:
//
//	fake := clock.Fake(start)
//	go actor.Run(ctx)
//	fake.WaitForTimers(1)      // actor is parked in its poll wait
//	fake.Advance(time.Minute)  // release it
package clock

import "time"

// Clock is the time source for polling and backoff.
type Clock interface {
	Now() time.Time

	// After delivers the clock's time once d has elapsed. A
	// non-positive d delivers at once.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks until d has elapsed.
	Sleep(d time.Duration)
}

// Real returns the wall clock.
func Real() Clock { return wall{} }

type wall struct{}

func (wall) Now() time.Time                         { return time.Now() }
func (wall) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (wall) Sleep(d time.Duration)                  { time.Sleep(d) }
