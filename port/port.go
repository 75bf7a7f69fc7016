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

// Package port runs the event loop of one network port. It multiplexes
// inbound packets, timer firings and control commands into a single
// ordered stream, feeds each event to the protocol engine of the port
// and executes the actions the engine returns. No two events of the
// same port are ever processed concurrently, which keeps the engine
// single-threaded without it having to lock anything.
package port

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/timetools/ptpd/engine"
	"github.com/timetools/ptpd/timers"
	"github.com/timetools/ptpd/timestamp"
	"github.com/timetools/ptpd/transport"
)

// DefaultRetryBudget is how many transport reopen attempts are made
// before the port goes FAULTY
const DefaultRetryBudget = 5

// Conn is the transport surface the port needs. *transport.Transport
// implements it; tests plug in fakes.
type Conn interface {
	Send(b []byte) (timestamp.Timestamp, error)
	SendGeneral(b []byte) error
	Receive() (*transport.Packet, error)
	ReceiveGeneral() (*transport.Packet, error)
	Close() error
}

// Steering accepts clock corrections produced by the port's engine
// and learns which port the engine currently designates primary
type Steering interface {
	Submit(source engine.PortIdentity, c engine.Correction)
	SetPrimary(source engine.PortIdentity)
}

// Stats counts port events, satisfied by the stats package
type Stats interface {
	Inc(counter string)
}

type noopStats struct{}

func (noopStats) Inc(string) {}

// State is the externally observable snapshot of a port
type State struct {
	Identity   engine.PortIdentity `json:"identity"`
	State      engine.State        `json:"-"`
	StateName  string              `json:"state"`
	Offset     time.Duration       `json:"offset_ns"`
	LastUpdate time.Time           `json:"last_update"`
}

// Config of one port
type Config struct {
	Identity engine.PortIdentity
	Engine   engine.Engine
	// Open creates the transport. Called at startup and again on
	// every reopen attempt after an I/O failure.
	Open     func() (Conn, error)
	Steering Steering
	Backoff  BackoffConfig
	// RetryBudget limits reopen attempts, 0 selects the default
	RetryBudget int
	Stats       Stats
}

type event struct {
	pkt   *transport.Packet
	cmd   *engine.Command
	rxerr error
	// gen ties receiver-reported errors to the transport
	// incarnation they came from
	gen int
}

// Port is the runtime of one network port
type Port struct {
	cfg     Config
	id      engine.PortIdentity
	eng     engine.Engine
	conn    Conn
	connGen int
	timers  *timers.Service
	firings chan timers.Firing
	events  chan event
	done    chan struct{}
	stats   Stats

	// primary tracking, only touched by the event loop
	wasPrimary bool

	mu       sync.Mutex
	snapshot State
}

// New creates a Port and opens its transport. A failed open is
// returned to the caller: at startup the supervisor decides whether
// any ports are left to run.
func New(cfg Config) (*Port, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("port %s: no transport opener", cfg.Identity)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("port %s: no engine", cfg.Identity)
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("port %s: %w", cfg.Identity, err)
	}
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}

	conn, err := cfg.Open()
	if err != nil {
		return nil, fmt.Errorf("port %s: opening transport: %w", cfg.Identity, err)
	}

	firings := make(chan timers.Firing, 16)
	p := &Port{
		cfg:     cfg,
		id:      cfg.Identity,
		eng:     cfg.Engine,
		conn:    conn,
		timers:  timers.New(firings),
		firings: firings,
		events:  make(chan event, 128),
		done:    make(chan struct{}),
		stats:   cfg.Stats,
		snapshot: State{
			Identity:  cfg.Identity,
			State:     engine.StateInitializing,
			StateName: engine.StateInitializing.String(),
		},
	}
	return p, nil
}

// Snapshot returns the last known port state, safe to call from any
// goroutine and never blocked by the event loop
func (p *Port) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// Control queues a command for the port. Delivery is asynchronous
// and best-effort once the port has shut down.
func (p *Port) Control(cmd engine.Command) {
	c := cmd
	select {
	case p.events <- event{cmd: &c}:
	case <-p.done:
	}
}

// Run drives the port until ctx is cancelled. It owns the transport
// and the timers and releases both before returning.
func (p *Port) Run(ctx context.Context) error {
	log.Infof("port %s: starting", p.id)
	p.startReceivers()
	p.process(engine.Event{Type: engine.EventControl, Command: engine.CommandUp})

	defer func() {
		close(p.done)
		p.timers.Close()
		if p.conn != nil {
			p.conn.Close()
		}
		log.Infof("port %s: stopped", p.id)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.firings:
			// a rearm or cancel may have obsoleted this firing
			// while it sat in the channel
			if !p.timers.Valid(f) {
				continue
			}
			p.process(engine.Event{Type: engine.EventTimer, Timer: f.Kind})
		case ev := <-p.events:
			switch {
			case ev.pkt != nil:
				p.stats.Inc("rx")
				p.logReceived(len(ev.pkt.Data), ev.pkt.TS)
				p.process(engine.Event{
					Type:      engine.EventPacket,
					Packet:    ev.pkt.Data,
					Timestamp: ev.pkt.TS,
				})
			case ev.cmd != nil:
				p.handleCommand(ctx, *ev.cmd)
			case ev.rxerr != nil:
				if ev.gen != p.connGen {
					continue
				}
				p.stats.Inc("rx.errors")
				log.Warnf("port %s: receive failed: %v", p.id, ev.rxerr)
				p.recover(ctx)
			}
		}
	}
}

func (p *Port) logSent(n int, ts timestamp.Timestamp) {
	log.Debugf(color.GreenString("[%s] port -> %d bytes (%s)", p.id, n, ts.Source))
}

func (p *Port) logReceived(n int, ts timestamp.Timestamp) {
	log.Debugf(color.BlueString("[%s] port <- %d bytes (%s)", p.id, n, ts.Source))
}

func (p *Port) handleCommand(ctx context.Context, cmd engine.Command) {
	if cmd == engine.CommandRestart && p.faulty() {
		p.recover(ctx)
		return
	}
	p.process(engine.Event{Type: engine.EventControl, Command: cmd})
}

func (p *Port) faulty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot.State == engine.StateFaulty
}

// process feeds one event to the engine and applies the actions
func (p *Port) process(ev engine.Event) {
	for _, action := range p.eng.HandleEvent(ev) {
		p.apply(action)
	}
	// the primary designation is an engine-supplied fact, we only
	// relay the moment it flips in our favor
	if primary := p.eng.Primary(); primary && !p.wasPrimary {
		p.cfg.Steering.SetPrimary(p.id)
		p.wasPrimary = primary
	} else {
		p.wasPrimary = primary
	}
	p.mu.Lock()
	p.snapshot.LastUpdate = time.Now()
	p.mu.Unlock()
}

func (p *Port) apply(action engine.Action) {
	switch a := action.(type) {
	case engine.SendEvent:
		if p.conn == nil {
			p.stats.Inc("tx.errors")
			p.process(engine.Event{Type: engine.EventSendTimestamp, SendID: a.SendID})
			return
		}
		ts, err := p.conn.Send(a.Data)
		if err != nil {
			// a missed transmission: the engine sees a zero
			// timestamp and decides whether to retry on the
			// next interval
			p.stats.Inc("tx.errors")
			log.Warnf("port %s: send failed: %v", p.id, err)
			ts = timestamp.Timestamp{}
		} else {
			p.stats.Inc("tx")
			p.logSent(len(a.Data), ts)
		}
		p.process(engine.Event{Type: engine.EventSendTimestamp, SendID: a.SendID, Timestamp: ts})
	case engine.SendGeneral:
		if p.conn == nil {
			p.stats.Inc("tx.errors")
			return
		}
		if err := p.conn.SendGeneral(a.Data); err != nil {
			p.stats.Inc("tx.errors")
			log.Warnf("port %s: send failed: %v", p.id, err)
		} else {
			p.stats.Inc("tx")
		}
	case engine.ResetTimer:
		p.timers.Arm(a.Kind, a.Duration, a.Recurring)
	case engine.StopTimer:
		p.timers.Cancel(a.Kind)
	case engine.Correction:
		p.stats.Inc("corrections")
		p.cfg.Steering.Submit(p.id, a)
		p.mu.Lock()
		p.snapshot.Offset = a.Offset
		p.mu.Unlock()
	case engine.StateChange:
		p.setState(a.State)
	}
}

func (p *Port) setState(s engine.State) {
	p.mu.Lock()
	changed := p.snapshot.State != s
	p.snapshot.State = s
	p.snapshot.StateName = s.String()
	p.mu.Unlock()
	if changed {
		log.Infof("port %s: state %s", p.id, s)
	}
}

func (p *Port) startReceivers() {
	p.connGen++
	gen := p.connGen
	conn := p.conn
	go p.receiver(gen, conn.Receive)
	go p.receiver(gen, conn.ReceiveGeneral)
}

func (p *Port) receiver(gen int, recv func() (*transport.Packet, error)) {
	for {
		pkt, err := recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			p.deliver(event{rxerr: err, gen: gen})
			return
		}
		if !p.deliver(event{pkt: pkt, gen: gen}) {
			return
		}
	}
}

func (p *Port) deliver(ev event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// recover closes the broken transport and tries to reopen it within
// the retry budget. Past the budget the port goes FAULTY and waits
// for an external CommandRestart. Other ports are unaffected either
// way.
func (p *Port) recover(ctx context.Context) {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	// stale timers must not fire into a dead port
	p.timers.CancelAll()

	b := newBackoff(p.cfg.Backoff)
	for attempt := 1; attempt <= p.cfg.RetryBudget; attempt++ {
		wait := b.bump()
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		conn, err := p.cfg.Open()
		if err != nil {
			p.stats.Inc("reopen.errors")
			log.Warnf("port %s: reopen attempt %d/%d failed: %v",
				p.id, attempt, p.cfg.RetryBudget, err)
			continue
		}
		p.stats.Inc("reopen")
		p.conn = conn
		p.startReceivers()
		p.process(engine.Event{Type: engine.EventControl, Command: engine.CommandRestart})
		return
	}
	log.Errorf("port %s: retry budget exhausted, going FAULTY", p.id)
	p.stats.Inc("faults")
	p.setState(engine.StateFaulty)
}
