// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"sync"
	"time"
)

// State is the receiver actor's phase.
type State int

const (
	// Idle means the last iteration succeeded and the actor is
	// waiting for the next poll.
	Idle State = iota
	// Fetching means an iteration is running.
	Fetching
	// Recovering means the last iteration failed and the actor is
	// sleeping before it retries.
	Recovering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Active reports whether the actor is doing work in this state.
func (s State) Active() bool { return s == Fetching }

// Update is one published state change.
type Update struct {
	State State
	// Err is the iteration failure that caused Recovering.
	Err error
	At  time.Time
}

// subscriberBuffer is the number of updates a subscriber can fall
// behind before the oldest are discarded.
const subscriberBuffer = 16

// Status publishes the actor's state changes to any number of
// subscribers. Safe for concurrent use.
type Status struct {
	mu          sync.Mutex
	current     Update
	subscribers map[int]chan Update
	nextID      int
}

// NewStatus returns a publisher in the Idle state.
func NewStatus() *Status {
	return &Status{subscribers: make(map[int]chan Update)}
}

// Current returns the most recent update.
func (s *Status) Current() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe returns a channel of future updates and a function that
// ends the subscription and closes the channel. A subscriber that
// falls behind loses its oldest updates, never the newest.
func (s *Status) Subscribe() (<-chan Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	channel := make(chan Update, subscriberBuffer)
	s.subscribers[id] = channel

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
			close(channel)
		})
	}
	return channel, cancel
}

func (s *Status) publish(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = update
	for _, channel := range s.subscribers {
		for {
			select {
			case channel <- update:
			default:
				// Full: drop the oldest and try again.
				select {
				case <-channel:
				default:
				}
				continue
			}
			break
		}
	}
}
