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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSetFreq(t *testing.T) {
	tx := &unix.Timex{}
	setFreq(tx, 1000.0)
	require.Equal(t, int64(65536), tx.Freq)

	setFreq(tx, -500.5)
	require.Equal(t, int64(-32800), tx.Freq)
}

func TestSetTimeNormalization(t *testing.T) {
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	// -1.5s splits into sec=-1, nsec=-500ms, which must be
	// normalized to sec=-2, nsec=+500ms
	step := -1500 * time.Millisecond
	sign := 1
	if step < 0 {
		sign = -1
		step = step * -1
	}
	sec := time.Duration(float64(sign) * (float64(step) / float64(time.Second)))
	usec := time.Duration(sign) * (step % time.Second)
	setTime(tx, sec, usec)
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	require.Equal(t, int64(-2), tx.Time.Sec)
	require.Equal(t, int64(500000000), tx.Time.Usec)
}

func TestFrequencyPPB(t *testing.T) {
	// reading the realtime clock frequency needs no privilege
	freq, state, err := FrequencyPPB(unix.CLOCK_REALTIME)
	require.NoError(t, err)
	require.GreaterOrEqual(t, state, unix.TIME_OK)
	require.InDelta(t, 0, freq, 500000.0)
}

func TestMaxFreqPPB(t *testing.T) {
	freq, _, err := MaxFreqPPB(unix.CLOCK_REALTIME)
	require.NoError(t, err)
	require.InDelta(t, 500000.0, freq, 100000.0)
}
