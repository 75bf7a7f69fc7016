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

import "time"

// PI servo constants, same as linuxptp defaults
const (
	servoKP = 0.7
	servoKI = 0.3
)

// piServo converts offset observations into frequency corrections.
// A positive offset means the local clock is behind and gets a
// positive (speed-up) frequency adjustment. Output is clamped to the
// maximum adjustment the clock reports, as is the integral, so the
// loop cannot wind up during a long outage.
type piServo struct {
	kp       float64
	ki       float64
	maxFreq  float64
	integral float64
	lastAt   time.Time
}

func newPiServo(maxFreq float64) *piServo {
	return &piServo{
		kp:      servoKP,
		ki:      servoKI,
		maxFreq: maxFreq,
	}
}

// Sample returns the frequency adjustment in PPB for one offset
// observation taken at the given time
func (s *piServo) Sample(offset time.Duration, at time.Time) float64 {
	offsetPPB := float64(offset.Nanoseconds())

	interval := 1.0
	if !s.lastAt.IsZero() {
		if dt := at.Sub(s.lastAt).Seconds(); dt > 0 {
			interval = dt
		}
	}
	s.lastAt = at

	s.integral = clamp(s.integral+s.ki*offsetPPB*interval, s.maxFreq)
	return clamp(s.kp*offsetPPB+s.integral, s.maxFreq)
}

// Reset discards accumulated state, used after a phase jump makes the
// history meaningless
func (s *piServo) Reset() {
	s.integral = 0
	s.lastAt = time.Time{}
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
