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

package stats

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timetools/ptpd/engine"
	"github.com/timetools/ptpd/port"
	"github.com/timetools/ptpd/steering"
)

func TestCounters(t *testing.T) {
	c := NewCounters()
	c.Inc("rx")
	c.Inc("rx")
	c.Add("tx", 5)
	c.Set("gauge", 42)

	require.Equal(t, int64(2), c.Get("rx"))
	require.Equal(t, int64(5), c.Get("tx"))
	require.Equal(t, int64(42), c.Get("gauge"))
	require.Equal(t, int64(0), c.Get("nope"))

	snap := c.Snapshot()
	c.Inc("rx")
	require.Equal(t, int64(2), snap["rx"], "snapshot is a copy")

	c.Reset()
	require.Equal(t, int64(0), c.Get("rx"))
}

func testReport() Report {
	id := engine.PortIdentity{Iface: "eth0", Number: 1}
	return Report{
		Ports: map[string]port.State{
			id.String(): {
				Identity:   id,
				State:      engine.StateSlave,
				StateName:  engine.StateSlave.String(),
				Offset:     1500 * time.Nanosecond,
				LastUpdate: time.Now(),
			},
		},
		Clock: steering.State{LastOffset: 1500 * time.Nanosecond, Locked: true},
	}
}

func TestHandleReport(t *testing.T) {
	s := NewJSONStats(NewCounters(), testReport)

	w := httptest.NewRecorder()
	s.handleReport(w, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Contains(t, got.Ports, "eth0-1")
	require.Equal(t, "SLAVE", got.Ports["eth0-1"].StateName)
	require.True(t, got.Clock.Locked)
}

func TestHandleCounters(t *testing.T) {
	c := NewCounters()
	c.Inc("port.rx")
	s := NewJSONStats(c, testReport)

	w := httptest.NewRecorder()
	s.handleCounters(w, httptest.NewRequest("GET", "/counters", nil))
	require.Equal(t, 200, w.Code)

	var got map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, int64(1), got["port.rx"])
}

func TestMetricsHandler(t *testing.T) {
	c := NewCounters()
	c.Set("steering.applied", 7)
	s := NewJSONStats(c, testReport)
	h := s.metricsHandler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "steering_applied 7"))

	// second scrape reuses the registered gauge
	c.Inc("steering.applied")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.True(t, strings.Contains(w.Body.String(), "steering_applied 8"))
}

func TestFlattenKey(t *testing.T) {
	require.Equal(t, "a_b_c_d_e_f", flattenKey("a b.c-d=e/f"))
}

func TestSysStatsCollect(t *testing.T) {
	c := NewCounters()
	s := NewSysStats(c, time.Minute)
	s.collect()
	require.Greater(t, c.Get("sys.goroutines"), int64(0))
	require.Greater(t, c.Get("sys.mem.heap.alloc"), int64(0))
}
