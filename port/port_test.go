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

package port

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timetools/ptpd/engine"
	"github.com/timetools/ptpd/timestamp"
	"github.com/timetools/ptpd/transport"
)

type fakeConn struct {
	mu        sync.Mutex
	rx        chan *transport.Packet
	rxErrs    chan error
	sent      [][]byte
	sendErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		rx:     make(chan *transport.Packet, 16),
		rxErrs: make(chan error, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(b []byte) (timestamp.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return timestamp.Timestamp{}, c.sendErr
	}
	c.sent = append(c.sent, append([]byte{}, b...))
	return timestamp.Timestamp{Time: time.Now(), Source: timestamp.SW}, nil
}

func (c *fakeConn) SendGeneral(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte{}, b...))
	return nil
}

func (c *fakeConn) Receive() (*transport.Packet, error) {
	select {
	case pkt := <-c.rx:
		return pkt, nil
	case err := <-c.rxErrs:
		return nil, err
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *fakeConn) ReceiveGeneral() (*transport.Packet, error) {
	<-c.closed
	return nil, transport.ErrClosed
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentPackets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeEngine struct {
	mu     sync.Mutex
	events []engine.Event
	script func(engine.Event) []engine.Action
}

func (e *fakeEngine) HandleEvent(ev engine.Event) []engine.Action {
	e.mu.Lock()
	e.events = append(e.events, ev)
	script := e.script
	e.mu.Unlock()
	if script != nil {
		return script(ev)
	}
	return nil
}

func (e *fakeEngine) Primary() bool { return true }

func (e *fakeEngine) got() []engine.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Event, len(e.events))
	copy(out, e.events)
	return out
}

type fakeSteering struct {
	mu      sync.Mutex
	subs    []engine.Correction
	primary engine.PortIdentity
}

func (s *fakeSteering) Submit(source engine.PortIdentity, c engine.Correction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, c)
}

func (s *fakeSteering) SetPrimary(source engine.PortIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = source
}

func (s *fakeSteering) submitted() []engine.Correction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Correction, len(s.subs))
	copy(out, s.subs)
	return out
}

func startPort(t *testing.T, cfg Config) (*Port, context.CancelFunc) {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		require.NoError(t, p.Run(ctx))
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Error("port did not stop")
		}
	})
	return p, cancel
}

func TestPacketReachesEngineAndUpdatesSnapshot(t *testing.T) {
	conn := newFakeConn()
	steering := &fakeSteering{}
	eng := &fakeEngine{
		script: func(ev engine.Event) []engine.Action {
			if ev.Type == engine.EventPacket {
				return []engine.Action{
					engine.Correction{Offset: 1500 * time.Nanosecond, At: time.Now()},
					engine.StateChange{State: engine.StateSlave},
				}
			}
			return nil
		},
	}

	p, _ := startPort(t, Config{
		Identity: engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:   eng,
		Open:     func() (Conn, error) { return conn, nil },
		Steering: steering,
	})

	conn.rx <- &transport.Packet{
		Data: []byte{1, 2, 3},
		TS:   timestamp.Timestamp{Time: time.Now(), Source: timestamp.HW},
	}

	require.Eventually(t, func() bool {
		return len(steering.submitted()) == 1
	}, time.Second, 5*time.Millisecond)

	// the snapshot must reflect the processed packet without any
	// further traffic
	snap := p.Snapshot()
	require.Equal(t, engine.StateSlave, snap.State)
	require.Equal(t, "SLAVE", snap.StateName)
	require.Equal(t, 1500*time.Nanosecond, snap.Offset)
	require.False(t, snap.LastUpdate.IsZero())

	events := eng.got()
	require.Equal(t, engine.EventControl, events[0].Type)
	require.Equal(t, engine.CommandUp, events[0].Command)
	require.Equal(t, engine.EventPacket, events[1].Type)
	require.Equal(t, []byte{1, 2, 3}, events[1].Packet)
	require.Equal(t, timestamp.HW, events[1].Timestamp.Source)
}

func TestTwoStepSendFeedsTimestampBack(t *testing.T) {
	conn := newFakeConn()
	eng := &fakeEngine{
		script: func(ev engine.Event) []engine.Action {
			if ev.Type == engine.EventControl && ev.Command == engine.CommandUp {
				return []engine.Action{engine.SendEvent{Data: []byte{0xab}, SendID: 7}}
			}
			return nil
		},
	}

	startPort(t, Config{
		Identity: engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:   eng,
		Open:     func() (Conn, error) { return conn, nil },
		Steering: &fakeSteering{},
	})

	require.Eventually(t, func() bool {
		events := eng.got()
		return len(events) >= 2 && events[1].Type == engine.EventSendTimestamp
	}, time.Second, 5*time.Millisecond)

	events := eng.got()
	require.Equal(t, uint32(7), events[1].SendID)
	require.False(t, events[1].Timestamp.IsZero())
	require.Equal(t, [][]byte{{0xab}}, conn.sentPackets())
}

func TestSendFailureReportedAsMissedTransmission(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = errors.New("NIC on fire")
	eng := &fakeEngine{
		script: func(ev engine.Event) []engine.Action {
			if ev.Type == engine.EventControl && ev.Command == engine.CommandUp {
				return []engine.Action{engine.SendEvent{Data: []byte{1}, SendID: 3}}
			}
			return nil
		},
	}

	startPort(t, Config{
		Identity: engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:   eng,
		Open:     func() (Conn, error) { return conn, nil },
		Steering: &fakeSteering{},
	})

	require.Eventually(t, func() bool {
		events := eng.got()
		return len(events) >= 2 && events[1].Type == engine.EventSendTimestamp
	}, time.Second, 5*time.Millisecond)

	// zero timestamp tells the engine the transmission was missed
	require.True(t, eng.got()[1].Timestamp.IsZero())
}

func TestTimerFiringReachesEngine(t *testing.T) {
	conn := newFakeConn()
	eng := &fakeEngine{
		script: func(ev engine.Event) []engine.Action {
			if ev.Type == engine.EventControl && ev.Command == engine.CommandUp {
				return []engine.Action{engine.ResetTimer{Kind: engine.TimerSync, Duration: 10 * time.Millisecond}}
			}
			return nil
		},
	}

	startPort(t, Config{
		Identity: engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:   eng,
		Open:     func() (Conn, error) { return conn, nil },
		Steering: &fakeSteering{},
	})

	require.Eventually(t, func() bool {
		for _, ev := range eng.got() {
			if ev.Type == engine.EventTimer && ev.Timer == engine.TimerSync {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRetryBudgetExhaustedGoesFaultyThenRecovers(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	allowReopen := false
	opens := 0
	open := func() (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return conn, nil
		}
		if !allowReopen {
			return nil, errors.New("still broken")
		}
		return newFakeConn(), nil
	}

	eng := &fakeEngine{}
	p, _ := startPort(t, Config{
		Identity:    engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:      eng,
		Open:        open,
		Steering:    &fakeSteering{},
		RetryBudget: 3,
	})

	conn.rxErrs <- errors.New("read: connection refused")

	require.Eventually(t, func() bool {
		return p.Snapshot().State == engine.StateFaulty
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, 4, opens, "initial open plus the full retry budget")
	allowReopen = true
	mu.Unlock()

	p.Control(engine.CommandRestart)
	require.Eventually(t, func() bool {
		for _, ev := range eng.got() {
			if ev.Type == engine.EventControl && ev.Command == engine.CommandRestart {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFaultyPortLeavesSiblingAlone(t *testing.T) {
	correctionOnPacket := func(ev engine.Event) []engine.Action {
		if ev.Type == engine.EventPacket {
			return []engine.Action{engine.Correction{Offset: time.Microsecond, At: time.Now()}}
		}
		return nil
	}

	steering := &fakeSteering{}
	sickConn := newFakeConn()
	var mu sync.Mutex
	opens := 0
	sick, _ := startPort(t, Config{
		Identity: engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:   &fakeEngine{script: correctionOnPacket},
		Open: func() (Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			opens++
			if opens == 1 {
				return sickConn, nil
			}
			return nil, errors.New("cable pulled")
		},
		Steering:    steering,
		RetryBudget: 1,
	})
	sickConn.rxErrs <- errors.New("read: no such device")

	healthyConn := newFakeConn()
	healthy, _ := startPort(t, Config{
		Identity: engine.PortIdentity{Iface: "eth1", Number: 1},
		Engine:   &fakeEngine{script: correctionOnPacket},
		Open:     func() (Conn, error) { return healthyConn, nil },
		Steering: steering,
	})

	require.Eventually(t, func() bool {
		return sick.Snapshot().State == engine.StateFaulty
	}, 2*time.Second, 10*time.Millisecond)

	// the sibling keeps processing traffic and producing corrections
	for i := 0; i < 3; i++ {
		healthyConn.rx <- &transport.Packet{Data: []byte{byte(i)}}
	}
	require.Eventually(t, func() bool {
		return len(steering.submitted()) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, engine.StateFaulty, sick.Snapshot().State)
	require.NotEqual(t, engine.StateFaulty, healthy.Snapshot().State)
}

func TestControlCommandDelivered(t *testing.T) {
	conn := newFakeConn()
	eng := &fakeEngine{}
	p, _ := startPort(t, Config{
		Identity: engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:   eng,
		Open:     func() (Conn, error) { return conn, nil },
		Steering: &fakeSteering{},
	})

	p.Control(engine.CommandPassive)
	require.Eventually(t, func() bool {
		for _, ev := range eng.got() {
			if ev.Type == engine.EventControl && ev.Command == engine.CommandPassive {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPrimaryDesignationRelayed(t *testing.T) {
	conn := newFakeConn()
	steering := &fakeSteering{}
	id := engine.PortIdentity{Iface: "eth3", Number: 1}
	startPort(t, Config{
		Identity: id,
		Engine:   &fakeEngine{},
		Open:     func() (Conn, error) { return conn, nil },
		Steering: steering,
	})

	require.Eventually(t, func() bool {
		steering.mu.Lock()
		defer steering.mu.Unlock()
		return steering.primary == id
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidBackoffRejected(t *testing.T) {
	_, err := New(Config{
		Identity: engine.PortIdentity{Iface: "eth0", Number: 1},
		Engine:   &fakeEngine{},
		Open:     func() (Conn, error) { return newFakeConn(), nil },
		Steering: &fakeSteering{},
		Backoff:  BackoffConfig{Mode: "quadratic"},
	})
	require.Error(t, err)
}
