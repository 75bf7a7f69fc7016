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
	"fmt"
	"net"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/timetools/ptpd/port"
	"github.com/timetools/ptpd/timestamp"
)

// DefaultUDSPath is where the status socket lives unless configured
const DefaultUDSPath = "/var/run/ptpd.sock"

// Config specifies daemon run options
type Config struct {
	// Ifaces are the network interfaces to run ports on, one port
	// per interface
	Ifaces []string `yaml:"ifaces"`
	// Timestamping is the preferred timestamp source, "hardware" or
	// "software". Hardware degrades to software per interface when
	// the NIC cannot do it.
	Timestamping timestamp.Source `yaml:"timestamping"`
	// DestinationAddress overrides the PTP primary multicast group
	DestinationAddress string `yaml:"destinationaddress"`
	DSCP               int    `yaml:"dscp"`
	// EventPort and GeneralPort override the well-known 319/320,
	// mostly useful for unprivileged test runs
	EventPort   int `yaml:"eventport"`
	GeneralPort int `yaml:"generalport"`

	// AnnounceReceiptTimeout is how long a port listens before
	// claiming the master role, 0 selects the protocol default
	AnnounceReceiptTimeout time.Duration      `yaml:"announcereceipttimeout"`
	Backoff                port.BackoffConfig `yaml:"backoff"`
	RetryBudget            int                `yaml:"retrybudget"`

	// StepThreshold separates phase jumps from frequency slews
	StepThreshold      time.Duration `yaml:"stepthreshold"`
	StabilityTolerance time.Duration `yaml:"stabilitytolerance"`
	DegradedThreshold  int           `yaml:"degradedthreshold"`
	// FreeRunning records clock adjustments without applying them
	FreeRunning bool `yaml:"freerunning"`

	// MonitoringPort serves counters and status over http, 0 disables
	MonitoringPort int `yaml:"monitoringport"`
	// UDSPath is the unix socket for local status queries
	UDSPath          string        `yaml:"udspath"`
	SysStatsInterval time.Duration `yaml:"sysstatsinterval"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Timestamping: timestamp.HW,
		Backoff: port.BackoffConfig{
			Mode:     port.BackoffLinear,
			Step:     1,
			MaxValue: 10,
		},
		RetryBudget: port.DefaultRetryBudget,
		UDSPath:     DefaultUDSPath,
	}
}

// ReadConfig reads config from the file and overrides defaults
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate config is sane
func (c *Config) Validate() error {
	if len(c.Ifaces) == 0 {
		return fmt.Errorf("at least one interface must be configured")
	}
	seen := map[string]bool{}
	for _, iface := range c.Ifaces {
		if seen[iface] {
			return fmt.Errorf("interface %q configured twice", iface)
		}
		seen[iface] = true
	}
	if c.Timestamping != timestamp.HW && c.Timestamping != timestamp.SW {
		return fmt.Errorf("timestamping must be either %q or %q", timestamp.HW, timestamp.SW)
	}
	if c.DestinationAddress != "" && net.ParseIP(c.DestinationAddress) == nil {
		return fmt.Errorf("bad destination address %q", c.DestinationAddress)
	}
	if err := c.Backoff.Validate(); err != nil {
		return err
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("retrybudget must be 0 or positive")
	}
	if c.StepThreshold < 0 || c.StabilityTolerance < 0 {
		return fmt.Errorf("thresholds must be 0 or positive")
	}
	if c.UDSPath == "" {
		return fmt.Errorf("udspath must be set")
	}
	return nil
}

// DestinationIP returns the configured destination as net.IP, nil
// when unset so the transport falls back to the multicast default
func (c *Config) DestinationIP() net.IP {
	if c.DestinationAddress == "" {
		return nil
	}
	return net.ParseIP(c.DestinationAddress)
}
