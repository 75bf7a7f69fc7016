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

package steering

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timetools/ptpd/clock"
	"github.com/timetools/ptpd/phc"
	"golang.org/x/sys/unix"
)

// Clock is the iface for clock device controls
type Clock interface {
	AdjFreqPPB(freqPPB float64) error
	Step(step time.Duration) error
	FrequencyPPB() (float64, error)
	MaxFreqPPB() (float64, error)
	SetSync() error
}

// PHCClock steers the PTP hardware clock of a network card
type PHCClock struct {
	dev *phc.Device
}

// NewPHCClock discovers and opens the PHC device behind iface
func NewPHCClock(iface string) (*PHCClock, error) {
	device, err := phc.IfaceToPHCDevice(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to map iface to device: %w", err)
	}
	dev, err := phc.Open(device)
	if err != nil {
		return nil, err
	}
	return &PHCClock{dev: dev}, nil
}

// AdjFreqPPB adjusts PHC frequency
func (c *PHCClock) AdjFreqPPB(freqPPB float64) error {
	return c.dev.AdjFreqPPB(freqPPB)
}

// Step jumps time on PHC
func (c *PHCClock) Step(step time.Duration) error {
	return c.dev.Step(step)
}

// FrequencyPPB returns current PHC frequency
func (c *PHCClock) FrequencyPPB() (float64, error) {
	return c.dev.FrequencyPPB()
}

// MaxFreqPPB returns maximum frequency adjustment supported by PHC
func (c *PHCClock) MaxFreqPPB() (float64, error) {
	return c.dev.MaxFreqAdjPPB()
}

// SetSync is a no-op for PHC devices, the sync flag lives on the
// system clock only
func (c *PHCClock) SetSync() error {
	return nil
}

// Close releases the device
func (c *PHCClock) Close() error {
	return c.dev.Close()
}

// SysClock steers CLOCK_REALTIME
type SysClock struct{}

// AdjFreqPPB adjusts system clock frequency
func (c *SysClock) AdjFreqPPB(freqPPB float64) error {
	state, err := clock.AdjFreqPPB(unix.CLOCK_REALTIME, freqPPB)
	if err == nil && state != unix.TIME_OK {
		log.Warningf("clock state %d is not TIME_OK after adjusting frequency", state)
	}
	return err
}

// Step jumps system clock time
func (c *SysClock) Step(step time.Duration) error {
	state, err := clock.Step(unix.CLOCK_REALTIME, step)
	if err == nil && state != unix.TIME_OK {
		log.Warningf("clock state %d is not TIME_OK after stepping", state)
	}
	return err
}

// FrequencyPPB returns current system clock frequency
func (c *SysClock) FrequencyPPB() (float64, error) {
	freqPPB, state, err := clock.FrequencyPPB(unix.CLOCK_REALTIME)
	if err == nil && state != unix.TIME_OK {
		log.Warningf("clock state %d is not TIME_OK after getting current frequency", state)
	}
	return freqPPB, err
}

// MaxFreqPPB returns maximum frequency adjustment supported by the system clock
func (c *SysClock) MaxFreqPPB() (float64, error) {
	freqPPB, state, err := clock.MaxFreqPPB(unix.CLOCK_REALTIME)
	if err == nil && state != unix.TIME_OK {
		log.Warningf("clock state %d is not TIME_OK after getting max frequency adjustment", state)
	}
	return freqPPB, err
}

// SetSync sets system clock status to TIME_OK
func (c *SysClock) SetSync() error {
	return clock.SetSync(unix.CLOCK_REALTIME)
}

// FreeRunningClock never touches the clock, it only records what it
// was asked to do. Used for monitoring-only operation and in tests.
type FreeRunningClock struct {
	mu      sync.Mutex
	freqPPB float64
	stepped time.Duration
	steps   int
}

// AdjFreqPPB records the requested frequency
func (c *FreeRunningClock) AdjFreqPPB(freqPPB float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freqPPB = freqPPB
	return nil
}

// Step records the requested jump
func (c *FreeRunningClock) Step(step time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepped = step
	c.steps++
	return nil
}

// FrequencyPPB returns the last recorded frequency
func (c *FreeRunningClock) FrequencyPPB() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqPPB, nil
}

// MaxFreqPPB returns a linuxptp-compatible default
func (c *FreeRunningClock) MaxFreqPPB() (float64, error) {
	return phc.DefaultMaxClockFreqPPB, nil
}

// SetSync does nothing
func (c *FreeRunningClock) SetSync() error {
	return nil
}
