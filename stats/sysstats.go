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
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"
)

var procStartTime = time.Now()

// SysStats periodically folds process and Go runtime health into the
// counter set, under the "sys." prefix
type SysStats struct {
	counters *Counters
	interval time.Duration
}

// NewSysStats creates a SysStats reporting into counters every interval
func NewSysStats(counters *Counters, interval time.Duration) *SysStats {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &SysStats{counters: counters, interval: interval}
}

// Run collects in a loop until ctx is cancelled
func (s *SysStats) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.collect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *SysStats) collect() {
	s.counters.Set("sys.uptime", time.Now().Unix()-procStartTime.Unix())
	s.counters.Set("sys.goroutines", int64(runtime.NumGoroutine()))

	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	s.counters.Set("sys.mem.heap.alloc", int64(m.HeapAlloc))
	s.counters.Set("sys.mem.heap.objects", int64(m.HeapObjects))
	s.counters.Set("sys.mem.gc.count", int64(m.NumGC))

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debugf("sysstats: no process info: %v", err)
		return
	}
	if val, err := proc.Percent(0); err == nil {
		// percent with two decimals kept as an integer counter
		s.counters.Set("sys.cpu_pct", int64(val*100))
	}
	if val, err := proc.MemoryInfo(); err == nil {
		s.counters.Set("sys.rss", int64(val.RSS))
	}
	if val, err := proc.NumFDs(); err == nil {
		s.counters.Set("sys.num_fds", int64(val))
	}
	if val, err := proc.NumThreads(); err == nil {
		s.counters.Set("sys.num_threads", int64(val))
	}
}
