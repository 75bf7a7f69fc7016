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

// Package engine defines the contract between the host runtime and a
// PTP protocol state machine. The state machine is a pure function of
// (state, event) -> actions: the runtime feeds it timestamped packets,
// timer firings and control commands, and executes whatever actions it
// returns. BMCA, message encoding and servo math all live behind this
// interface.
package engine

import (
	"fmt"
	"time"

	"github.com/timetools/ptpd/timestamp"
)

// PortIdentity is a stable identifier of one network port,
// immutable for the lifetime of the port
type PortIdentity struct {
	Iface  string
	Number uint16
}

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.Iface, p.Number)
}

// State is a PTP port state
type State int

// Port states, a subset of the IEEE 1588 state machine plus FAULTY
// which the runtime enters on its own when the transport dies
const (
	StateInitializing State = iota
	StateListening
	StateMaster
	StatePassive
	StateSlave
	StateFaulty
)

var stateNames = map[State]string{
	StateInitializing: "INITIALIZING",
	StateListening:    "LISTENING",
	StateMaster:       "MASTER",
	StatePassive:      "PASSIVE",
	StateSlave:        "SLAVE",
	StateFaulty:       "FAULTY",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// TimerKind names one of the per-port logical timers
type TimerKind int

// Timer kinds. At most one pending firing per kind per port.
const (
	TimerAnnounce TimerKind = iota
	TimerSync
	TimerDelayRequest
	TimerAnnounceReceiptTimeout
	TimerSteeringTick
)

var timerNames = map[TimerKind]string{
	TimerAnnounce:               "announce",
	TimerSync:                   "sync",
	TimerDelayRequest:           "delay_request",
	TimerAnnounceReceiptTimeout: "announce_receipt_timeout",
	TimerSteeringTick:           "steering_tick",
}

func (k TimerKind) String() string {
	if name, ok := timerNames[k]; ok {
		return name
	}
	return fmt.Sprintf("timer(%d)", int(k))
}

// Command is an explicit control request delivered into a port from outside
type Command int

// Control commands
const (
	// CommandUp asks the state machine to (re)start operating
	CommandUp Command = iota
	// CommandPassive forces the port into PASSIVE state
	CommandPassive
	// CommandRestart recovers a FAULTY port
	CommandRestart
)

// EventType tells which of the Event fields is meaningful
type EventType int

// Event types the runtime feeds into the state machine
const (
	// EventPacket carries an inbound message with its RX timestamp
	EventPacket EventType = iota
	// EventTimer reports the firing of one of the port timers
	EventTimer
	// EventSendTimestamp reports the precise TX timestamp of an
	// earlier SendEvent action, matched by SendID
	EventSendTimestamp
	// EventControl carries an external command
	EventControl
)

// Event is one unit of input to the state machine. Exactly one port's
// events are delivered to one engine instance, strictly one at a time.
type Event struct {
	Type      EventType
	Packet    []byte
	Timestamp timestamp.Timestamp
	Timer     TimerKind
	SendID    uint32
	Command   Command
}

// Action is one instruction the state machine hands back to the runtime
type Action interface {
	isAction()
}

// SendEvent transmits an event message (Sync, DelayReq) through the
// timestamped path. The runtime reports the resulting TX timestamp
// back via EventSendTimestamp with the same SendID.
type SendEvent struct {
	Data   []byte
	SendID uint32
}

// SendGeneral transmits a general message (Announce, FollowUp) for
// which no TX timestamp is needed
type SendGeneral struct {
	Data []byte
}

// ResetTimer (re)arms a timer, cancelling any pending firing of the same kind
type ResetTimer struct {
	Kind     TimerKind
	Duration time.Duration
	// Recurring timers rearm themselves after every firing
	Recurring bool
}

// StopTimer cancels a timer, a no-op when nothing is pending
type StopTimer struct {
	Kind TimerKind
}

// Correction asks the steering layer to adjust the clock. Offset is the
// measured clock error (positive means the local clock is behind).
// FreqPPB is only meaningful when HasFreq is set: engines with their
// own servo supply it, engines without leave the slew math to the
// steering layer.
type Correction struct {
	Offset  time.Duration
	FreqPPB float64
	HasFreq bool
	// At is the observation the correction is based on
	At time.Time
}

// StateChange announces a port state transition
type StateChange struct {
	State State
}

func (SendEvent) isAction()   {}
func (SendGeneral) isAction() {}
func (ResetTimer) isAction()  {}
func (StopTimer) isAction()   {}
func (Correction) isAction()  {}
func (StateChange) isAction() {}

// Engine is one port's protocol state machine. Implementations must
// not retain the Event or its buffers past the HandleEvent call, and
// must not call back into the runtime: all effects are expressed as
// returned actions.
type Engine interface {
	// HandleEvent advances the state machine by one event
	HandleEvent(event Event) []Action
	// Primary reports whether this port is currently the one
	// designated to steer the clock
	Primary() bool
}

// Factory creates an engine instance bound to one port
type Factory func(id PortIdentity) (Engine, error)
