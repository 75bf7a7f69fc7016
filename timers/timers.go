/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package timers runs the per-port set of cancellable, re-armable
// protocol timers. Exactly one firing per kind may be pending at a
// time: rearming a kind atomically replaces its previous schedule.
//
// Firings travel to the port through a channel and may therefore sit
// buffered while the port is busy. Every firing carries the generation
// of the arm call that scheduled it; the consumer checks Valid before
// acting, which kills firings a later rearm or cancel has obsoleted.
package timers

import (
	"sync"
	"time"

	"github.com/timetools/ptpd/engine"
)

// Firing is the delivery of one timer expiry
type Firing struct {
	Kind engine.TimerKind
	Gen  uint64
}

type entry struct {
	gen       uint64
	timer     *time.Timer
	duration  time.Duration
	recurring bool
}

// Service schedules timers for a single port and delivers firings
// into the out channel
type Service struct {
	mu     sync.Mutex
	out    chan<- Firing
	done   chan struct{}
	closed bool
	timers map[engine.TimerKind]*entry
}

// New creates a Service delivering firings into out. The channel
// should be buffered: delivery blocks the firing goroutine, never
// drops, and unblocks on Close.
func New(out chan<- Firing) *Service {
	return &Service{
		out:    out,
		done:   make(chan struct{}),
		timers: map[engine.TimerKind]*entry{},
	}
}

// Arm schedules kind to fire after duration, replacing any pending
// schedule of the same kind. A recurring timer rearms itself with the
// same duration after every firing until cancelled or rearmed.
func (s *Service) Arm(kind engine.TimerKind, duration time.Duration, recurring bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	e := s.timers[kind]
	if e == nil {
		e = &entry{}
		s.timers[kind] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	e.duration = duration
	e.recurring = recurring
	gen := e.gen
	e.timer = time.AfterFunc(duration, func() { s.fire(kind, gen) })
}

// Cancel drops any pending schedule of kind and invalidates firings
// of it already in flight. Cancelling an unarmed kind is a no-op.
func (s *Service) Cancel(kind engine.TimerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.timers[kind]
	if e == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

// CancelAll drops every pending schedule and invalidates all firings
// in flight. The service stays usable, unlike after Close.
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.timers {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.gen++
	}
}

// Valid reports whether a received firing still corresponds to the
// latest arm of its kind. The consumer must call this before acting:
// a firing that sat in the channel across a rearm is stale.
func (s *Service) Valid(f Firing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.timers[f.Kind]
	return e != nil && e.gen == f.Gen
}

// Close stops all timers and unblocks any in-flight delivery
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for _, e := range s.timers {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (s *Service) fire(kind engine.TimerKind, gen uint64) {
	s.mu.Lock()
	e := s.timers[kind]
	if s.closed || e == nil || e.gen != gen {
		s.mu.Unlock()
		return
	}
	if e.recurring {
		// same generation on purpose: a recurring timer keeps its
		// identity across self-rearms, only Arm/Cancel bump it
		e.timer = time.AfterFunc(e.duration, func() { s.fire(kind, gen) })
	} else {
		e.timer = nil
	}
	s.mu.Unlock()

	// deliver outside the lock so a blocked consumer can still Arm/Cancel
	select {
	case s.out <- Firing{Kind: kind, Gen: gen}:
	case <-s.done:
	}
}
