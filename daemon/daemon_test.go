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

package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timetools/ptpd/engine"
	"github.com/timetools/ptpd/status"
	"github.com/timetools/ptpd/timestamp"
)

// loopbackConfig runs the whole daemon unprivileged: software
// timestamps, high ports and a free running clock
func loopbackConfig(t *testing.T) *Config {
	t.Helper()
	c := DefaultConfig()
	c.Ifaces = []string{"lo"}
	c.Timestamping = timestamp.SW
	c.DestinationAddress = "127.0.0.1"
	c.EventPort = 42329
	c.GeneralPort = 42330
	c.FreeRunning = true
	c.UDSPath = filepath.Join(t.TempDir(), "ptpd.sock")
	return c
}

func TestNewRejectsUnknownIfaces(t *testing.T) {
	c := loopbackConfig(t)
	c.Ifaces = []string{"definitely-no-such-iface0"}
	_, err := New(c, engine.ListeningFactory(0))
	require.Error(t, err)
}

func TestRunServesStatus(t *testing.T) {
	c := loopbackConfig(t)
	d, err := New(c, engine.ListeningFactory(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		require.NoError(t, d.Run(ctx))
		close(finished)
	}()
	defer func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	}()

	// the lone port hears no announce and claims the master role
	require.Eventually(t, func() bool {
		report, err := status.FetchStatus(c.UDSPath)
		if err != nil {
			return false
		}
		// the enum is not serialized, only the name survives the
		// socket round trip
		p, ok := report.Ports["lo-1"]
		return ok && p.StateName == engine.StateMaster.String()
	}, 5*time.Second, 50*time.Millisecond)

	counters, err := status.FetchCounters(c.UDSPath)
	require.NoError(t, err)
	require.Contains(t, counters, "sys.goroutines")
}

func TestControl(t *testing.T) {
	c := loopbackConfig(t)
	c.EventPort = 42331
	c.GeneralPort = 42332
	d, err := New(c, engine.ListeningFactory(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		require.NoError(t, d.Run(ctx))
		close(finished)
	}()
	defer func() {
		cancel()
		<-finished
	}()

	require.Error(t, d.Control("eth7-1", engine.CommandPassive))
	require.NoError(t, d.Control("lo-1", engine.CommandPassive))
	require.Eventually(t, func() bool {
		return d.Report().Ports["lo-1"].State == engine.StatePassive
	}, 2*time.Second, 20*time.Millisecond)
}
