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

package engine

import "time"

// DefaultAnnounceReceiptTimeout mirrors the IEEE 1588 default of
// 3 announce intervals at logAnnounceInterval 1 (2s)
const DefaultAnnounceReceiptTimeout = 6 * time.Second

// Listening is a deliberately small state machine used when no full
// BMCA engine is plugged in: the port listens for traffic, falls over
// to MASTER when the announce receipt timeout expires with nothing
// heard, and drops back to LISTENING as soon as traffic reappears.
// It never constructs messages and never steers the clock, which
// makes it safe to run on production hosts for monitoring.
type Listening struct {
	announceTimeout time.Duration
	primary         bool
	state           State
}

// NewListening creates a Listening engine. A zero announceTimeout
// selects the default.
func NewListening(announceTimeout time.Duration, primary bool) *Listening {
	if announceTimeout == 0 {
		announceTimeout = DefaultAnnounceReceiptTimeout
	}
	return &Listening{
		announceTimeout: announceTimeout,
		primary:         primary,
		state:           StateInitializing,
	}
}

// ListeningFactory returns a Factory producing Listening engines.
// The first port created is designated primary.
func ListeningFactory(announceTimeout time.Duration) Factory {
	first := true
	return func(id PortIdentity) (Engine, error) {
		e := NewListening(announceTimeout, first)
		first = false
		return e, nil
	}
}

// HandleEvent implements Engine
func (e *Listening) HandleEvent(event Event) []Action {
	switch event.Type {
	case EventControl:
		switch event.Command {
		case CommandUp, CommandRestart:
			return e.transition(StateListening,
				ResetTimer{Kind: TimerAnnounceReceiptTimeout, Duration: e.announceTimeout})
		case CommandPassive:
			return e.transition(StatePassive,
				StopTimer{Kind: TimerAnnounceReceiptTimeout})
		}
	case EventPacket:
		if e.state == StatePassive {
			return nil
		}
		// any traffic resets the timeout and keeps us listening
		return e.transition(StateListening,
			ResetTimer{Kind: TimerAnnounceReceiptTimeout, Duration: e.announceTimeout})
	case EventTimer:
		if event.Timer == TimerAnnounceReceiptTimeout && e.state == StateListening {
			return e.transition(StateMaster)
		}
	}
	return nil
}

// Primary implements Engine
func (e *Listening) Primary() bool {
	return e.primary
}

func (e *Listening) transition(to State, extra ...Action) []Action {
	actions := extra
	if e.state != to {
		e.state = to
		actions = append(actions, StateChange{State: to})
	}
	return actions
}
