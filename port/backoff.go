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
	"fmt"
	"math"
	"time"
)

// Backoff modes for transport reopen attempts
const (
	BackoffNone        = ""
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// BackoffConfig controls the delay between transport reopen attempts
type BackoffConfig struct {
	Mode     string `yaml:"mode"`
	Step     int    `yaml:"step"`     // seconds
	MaxValue int    `yaml:"maxvalue"` // seconds
}

// Validate the backoff configuration
func (c *BackoffConfig) Validate() error {
	switch c.Mode {
	case BackoffNone:
		return nil
	case BackoffFixed, BackoffLinear, BackoffExponential:
		if c.Step <= 0 {
			return fmt.Errorf("backoff step must be positive, got %d", c.Step)
		}
		if c.MaxValue < c.Step {
			return fmt.Errorf("backoff maxvalue %d is below step %d", c.MaxValue, c.Step)
		}
		return nil
	default:
		return fmt.Errorf("unsupported backoff mode %q", c.Mode)
	}
}

type backoff struct {
	cfg BackoffConfig
	// state
	counter int
	value   int
}

func newBackoff(cfg BackoffConfig) *backoff {
	return &backoff{cfg: cfg}
}

func (b *backoff) reset() {
	b.value = 0
	b.counter = 0
}

// bump advances to the next delay in the schedule
func (b *backoff) bump() time.Duration {
	b.counter++
	switch b.cfg.Mode {
	case BackoffFixed:
		b.value = b.cfg.Step
	case BackoffLinear:
		b.value = b.cfg.Step * b.counter
	case BackoffExponential:
		b.value = int(math.Pow(float64(b.cfg.Step), float64(b.counter)))
	default:
		b.counter = 0
		b.value = 0
	}
	if b.value > b.cfg.MaxValue {
		b.value = b.cfg.MaxValue
	}
	return time.Duration(b.value) * time.Second
}
