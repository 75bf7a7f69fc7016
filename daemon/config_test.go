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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timetools/ptpd/port"
	"github.com/timetools/ptpd/timestamp"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := DefaultConfig()
	c.Ifaces = []string{"eth0"}
	require.NoError(t, c.Validate())
}

func TestConfigValidate(t *testing.T) {
	good := func() *Config {
		c := DefaultConfig()
		c.Ifaces = []string{"eth0", "eth1"}
		return c
	}

	c := good()
	c.Ifaces = nil
	require.Error(t, c.Validate())

	c = good()
	c.Ifaces = []string{"eth0", "eth0"}
	require.Error(t, c.Validate())

	c = good()
	c.Timestamping = "quantum"
	require.Error(t, c.Validate())

	c = good()
	c.DestinationAddress = "not-an-ip"
	require.Error(t, c.Validate())

	c = good()
	c.Backoff = port.BackoffConfig{Mode: "random"}
	require.Error(t, c.Validate())

	c = good()
	c.RetryBudget = -1
	require.Error(t, c.Validate())

	c = good()
	c.UDSPath = ""
	require.Error(t, c.Validate())
}

func TestReadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	content := `ifaces: [eth0, eth1]
timestamping: software
dscp: 35
stepthreshold: 1s
monitoringport: 8888
backoff:
  mode: exponential
  step: 2
  maxvalue: 60
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"eth0", "eth1"}, c.Ifaces)
	require.Equal(t, timestamp.SW, c.Timestamping)
	require.Equal(t, 35, c.DSCP)
	require.Equal(t, time.Second, c.StepThreshold)
	require.Equal(t, 8888, c.MonitoringPort)
	require.Equal(t, port.BackoffConfig{Mode: port.BackoffExponential, Step: 2, MaxValue: 60}, c.Backoff)
	// defaults survive a partial file
	require.Equal(t, DefaultUDSPath, c.UDSPath)
	require.Equal(t, port.DefaultRetryBudget, c.RetryBudget)
}

func TestReadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ifaces: []\n"), 0644))
	_, err := ReadConfig(path)
	require.Error(t, err)

	_, err = ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDestinationIP(t *testing.T) {
	c := DefaultConfig()
	require.Nil(t, c.DestinationIP())
	c.DestinationAddress = "224.0.1.129"
	require.Equal(t, "224.0.1.129", c.DestinationIP().String())
}
