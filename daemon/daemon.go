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

// Package daemon assembles and supervises the runtime: one steering
// adapter, one port per configured interface, the status socket and
// the http stats surface. Components run as independent goroutines
// under a shared context; a port failure degrades that port only,
// while cancellation shuts everything down in an orderly way.
package daemon

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/timetools/ptpd/engine"
	"github.com/timetools/ptpd/port"
	"github.com/timetools/ptpd/stats"
	"github.com/timetools/ptpd/status"
	"github.com/timetools/ptpd/steering"
	"github.com/timetools/ptpd/timestamp"
	"github.com/timetools/ptpd/transport"
)

// Daemon owns all runtime components
type Daemon struct {
	cfg      *Config
	counters *stats.Counters
	adapter  *steering.Adapter
	ports    map[string]*port.Port
}

// New assembles the daemon: picks the clock backend, creates the
// steering adapter and opens one port per configured interface. Ports
// whose transport cannot be opened are skipped with an error log; if
// none opens the daemon refuses to start.
func New(cfg *Config, factory engine.Factory) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	counters := stats.NewCounters()

	clk, err := pickClock(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := steering.New(steering.Config{
		Clock:              clk,
		StepThreshold:      cfg.StepThreshold,
		StabilityTolerance: cfg.StabilityTolerance,
		DegradedThreshold:  cfg.DegradedThreshold,
		Stats:              counters,
	})
	if err != nil {
		return nil, fmt.Errorf("creating steering adapter: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		counters: counters,
		adapter:  adapter,
		ports:    map[string]*port.Port{},
	}
	for i, iface := range cfg.Ifaces {
		id := engine.PortIdentity{Iface: iface, Number: uint16(i + 1)}
		eng, err := factory(id)
		if err != nil {
			return nil, fmt.Errorf("creating engine for %s: %w", id, err)
		}
		tcfg := &transport.Config{
			Iface:              iface,
			Timestamping:       cfg.Timestamping,
			DestinationAddress: cfg.DestinationIP(),
			EventPort:          cfg.EventPort,
			GeneralPort:        cfg.GeneralPort,
			DSCP:               cfg.DSCP,
		}
		p, err := port.New(port.Config{
			Identity:    id,
			Engine:      eng,
			Open:        func() (port.Conn, error) { return transport.Open(tcfg) },
			Steering:    adapter,
			Backoff:     cfg.Backoff,
			RetryBudget: cfg.RetryBudget,
			Stats:       counters,
		})
		if err != nil {
			log.Errorf("skipping port %s: %v", id, err)
			counters.Inc("ports.skipped")
			continue
		}
		d.ports[id.String()] = p
	}
	if len(d.ports) == 0 {
		return nil, fmt.Errorf("no port could be opened on any of %v", cfg.Ifaces)
	}
	return d, nil
}

// pickClock selects the clock backend: a recording clock when free
// running, the PHC behind the first interface when timestamping is in
// hardware, the system clock otherwise.
func pickClock(cfg *Config) (steering.Clock, error) {
	if cfg.FreeRunning {
		log.Warning("free running mode, no clock will be adjusted")
		return &steering.FreeRunningClock{}, nil
	}
	if cfg.Timestamping == timestamp.HW {
		clk, err := steering.NewPHCClock(cfg.Ifaces[0])
		if err != nil {
			return nil, fmt.Errorf("opening PHC of %s: %w", cfg.Ifaces[0], err)
		}
		return clk, nil
	}
	return &steering.SysClock{}, nil
}

// Report assembles the full daemon status from component snapshots
func (d *Daemon) Report() stats.Report {
	ports := map[string]port.State{}
	for name, p := range d.ports {
		ports[name] = p.Snapshot()
	}
	return stats.Report{
		Ports: ports,
		Clock: d.adapter.Snapshot(),
	}
}

// Control queues a command for the named port. Unknown ports are
// reported back rather than ignored.
func (d *Daemon) Control(name string, cmd engine.Command) error {
	p, ok := d.ports[name]
	if !ok {
		return fmt.Errorf("no such port %q", name)
	}
	p.Control(cmd)
	return nil
}

// Run starts every component and blocks until ctx is cancelled or a
// supervised component fails
func (d *Daemon) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return d.adapter.Run(ctx)
	})
	for _, p := range d.ports {
		p := p
		eg.Go(func() error {
			return p.Run(ctx)
		})
	}

	statusServer := status.NewServer(d.cfg.UDSPath, d.Report, d.counters)
	eg.Go(func() error {
		return statusServer.Start(ctx)
	})

	if d.cfg.MonitoringPort > 0 {
		jsonStats := stats.NewJSONStats(d.counters, d.Report)
		eg.Go(func() error {
			return jsonStats.Start(ctx, d.cfg.MonitoringPort)
		})
	}

	sysStats := stats.NewSysStats(d.counters, d.cfg.SysStatsInterval)
	eg.Go(func() error {
		return sysStats.Run(ctx)
	})

	log.Infof("daemon running with %d port(s)", len(d.ports))
	started := time.Now()
	err := eg.Wait()
	log.Infof("daemon stopped after %v", time.Since(started).Round(time.Second))
	return err
}
