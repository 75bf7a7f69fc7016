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

// Package steering owns the steered clock. Exactly one Adapter exists
// per daemon and it is the only code that touches the clock: ports
// submit corrections through a channel and a single goroutine applies
// them strictly in submission order.
package steering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
	"github.com/timetools/ptpd/engine"
)

// Defaults for the steering decision knobs
const (
	// DefaultStepThreshold separates phase jumps from slews
	DefaultStepThreshold = 500 * time.Millisecond
	// DefaultStabilityTolerance is the offset magnitude under which
	// the servo counts as locked
	DefaultStabilityTolerance = 250 * time.Microsecond
	// DefaultDegradedThreshold is how many consecutive
	// out-of-tolerance corrections turn on the degraded flag
	DefaultDegradedThreshold = 5
)

// Stats counts steering events, satisfied by the stats package
type Stats interface {
	Inc(counter string)
}

type noopStats struct{}

func (noopStats) Inc(string) {}

// Config of the Adapter
type Config struct {
	Clock Clock
	// StepThreshold: offsets at or above it get a phase jump,
	// smaller ones a frequency slew. 0 selects the default.
	StepThreshold time.Duration
	// StabilityTolerance bounds the offset of a "locked" servo
	StabilityTolerance time.Duration
	// DegradedThreshold is the consecutive out-of-tolerance count
	// that marks sync quality degraded
	DegradedThreshold int
	Stats             Stats
}

// State is the externally observable snapshot of the steered clock
type State struct {
	LastOffset     time.Duration `json:"last_offset_ns"`
	LastCorrection time.Time     `json:"last_correction"`
	FreqPPB        float64       `json:"freq_ppb"`
	Locked         bool          `json:"locked"`
	Degraded       bool          `json:"degraded"`
	Steps          uint64        `json:"steps"`
	Applied        uint64        `json:"applied"`
	Discarded      uint64        `json:"discarded"`
	OffsetMeanNS   float64       `json:"offset_mean_ns"`
	OffsetStddevNS float64       `json:"offset_stddev_ns"`
	Primary        string        `json:"primary"`
}

type submission struct {
	source engine.PortIdentity
	c      engine.Correction
	epoch  uint64
}

// Adapter is the single owner of the steered clock
type Adapter struct {
	cfg   Config
	clock Clock
	servo *piServo
	subs  chan submission
	done  chan struct{}
	stats Stats

	mu             sync.Mutex
	primary        engine.PortIdentity
	epoch          uint64
	state          State
	welford        *welford.Stats
	outOfTolerance int
}

// New creates the Adapter. The clock's maximum frequency adjustment
// is queried once here; failure to read it is fatal since the servo
// cannot run unclamped.
func New(cfg Config) (*Adapter, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("no clock to steer")
	}
	if cfg.StepThreshold == 0 {
		cfg.StepThreshold = DefaultStepThreshold
	}
	if cfg.StabilityTolerance == 0 {
		cfg.StabilityTolerance = DefaultStabilityTolerance
	}
	if cfg.DegradedThreshold == 0 {
		cfg.DegradedThreshold = DefaultDegradedThreshold
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	maxFreq, err := cfg.Clock.MaxFreqPPB()
	if err != nil {
		return nil, fmt.Errorf("reading max frequency adjustment: %w", err)
	}
	if maxFreq <= 0 {
		return nil, fmt.Errorf("clock reports non-positive max frequency adjustment %f", maxFreq)
	}
	return &Adapter{
		cfg:     cfg,
		clock:   cfg.Clock,
		servo:   newPiServo(maxFreq),
		subs:    make(chan submission, 128),
		done:    make(chan struct{}),
		stats:   cfg.Stats,
		welford: welford.New(),
	}, nil
}

// SetPrimary designates the port whose corrections steer the clock.
// The designation comes from the protocol engine (BMCA), not from
// this layer. Bumping the epoch invalidates corrections submitted
// under the previous designation that are still queued.
func (a *Adapter) SetPrimary(id engine.PortIdentity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.primary == id {
		return
	}
	a.primary = id
	a.epoch++
	a.state.Primary = id.String()
	log.Infof("steering: primary port is now %s", id)
}

// Submit hands one correction to the Adapter. Corrections from
// non-primary ports are discarded here; the rest are tagged with the
// current primary epoch and queued in submission order.
func (a *Adapter) Submit(source engine.PortIdentity, c engine.Correction) {
	a.mu.Lock()
	if source != a.primary {
		a.state.Discarded++
		a.mu.Unlock()
		a.stats.Inc("steering.discarded")
		return
	}
	epoch := a.epoch
	a.mu.Unlock()

	// never wedge a port on a stopped applier
	select {
	case a.subs <- submission{source: source, c: c, epoch: epoch}:
	case <-a.done:
		a.mu.Lock()
		a.state.Discarded++
		a.mu.Unlock()
		a.stats.Inc("steering.discarded")
	}
}

// Snapshot returns the current clock state, safe from any goroutine
func (a *Adapter) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state
	if s.Applied > 0 {
		s.OffsetMeanNS = a.welford.Mean()
		s.OffsetStddevNS = a.welford.Stddev()
	}
	return s
}

// Run applies queued corrections until ctx is cancelled. An
// in-progress application always completes: cancellation is only
// observed between corrections.
func (a *Adapter) Run(ctx context.Context) error {
	log.Info("steering: starting")
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			log.Info("steering: stopped")
			return nil
		case sub := <-a.subs:
			a.apply(sub)
		}
	}
}

func (a *Adapter) apply(sub submission) {
	a.mu.Lock()
	stale := sub.epoch != a.epoch
	a.mu.Unlock()
	if stale {
		// the port lost its primary designation while this
		// correction sat in the queue
		a.stats.Inc("steering.discarded")
		a.mu.Lock()
		a.state.Discarded++
		a.mu.Unlock()
		return
	}

	offset := sub.c.Offset
	stepped := false
	var freqPPB float64
	var err error

	switch {
	case absDuration(offset) >= a.cfg.StepThreshold:
		err = a.clock.Step(offset)
		stepped = true
		a.servo.Reset()
	case sub.c.HasFreq:
		// the engine ran its own servo, trust its frequency
		freqPPB = sub.c.FreqPPB
		err = a.clock.AdjFreqPPB(freqPPB)
	default:
		freqPPB = a.servo.Sample(offset, sub.c.At)
		err = a.clock.AdjFreqPPB(freqPPB)
	}
	if err != nil {
		// correction dropped, sync quality degrades but the
		// daemon carries on
		a.stats.Inc("steering.errors")
		log.Errorf("steering: clock adjustment failed: %v", err)
		a.noteInstability()
		return
	}

	a.stats.Inc("steering.applied")
	if stepped {
		a.stats.Inc("steering.steps")
		log.Infof("steering: stepped clock by %v for %s", offset, sub.source)
	} else {
		log.Debugf("steering: slewing at %f PPB for %s (offset %v)", freqPPB, sub.source, offset)
	}

	locked := !stepped && absDuration(offset) <= a.cfg.StabilityTolerance
	if locked {
		if err := a.clock.SetSync(); err != nil {
			log.Warnf("steering: failed to mark clock synchronized: %v", err)
		}
	}

	a.mu.Lock()
	a.state.LastOffset = offset
	a.state.LastCorrection = time.Now()
	a.state.FreqPPB = freqPPB
	a.state.Applied++
	if stepped {
		a.state.Steps++
	}
	a.state.Locked = locked
	a.welford.Add(float64(offset.Nanoseconds()))
	a.mu.Unlock()

	if locked {
		a.mu.Lock()
		a.outOfTolerance = 0
		a.state.Degraded = false
		a.mu.Unlock()
	} else {
		a.noteInstability()
	}
}

func (a *Adapter) noteInstability() {
	a.mu.Lock()
	a.outOfTolerance++
	turnedDegraded := a.outOfTolerance >= a.cfg.DegradedThreshold && !a.state.Degraded
	if turnedDegraded {
		a.state.Degraded = true
	}
	a.mu.Unlock()
	if turnedDegraded {
		a.stats.Inc("steering.degraded")
		log.Warnf("steering: sync quality degraded, %d corrections out of tolerance", a.cfg.DegradedThreshold)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
