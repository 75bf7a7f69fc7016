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

package status

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/timetools/ptpd/stats"
	"github.com/timetools/ptpd/steering"
)

// query runs one command against the status socket
func query(path, command string, v any) error {
	conn, err := net.DialTimeout("unix", path, DefaultTimeout)
	if err != nil {
		return fmt.Errorf("connecting to %q: %w", path, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return err
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// FetchStatus returns the full daemon status
func FetchStatus(path string) (*stats.Report, error) {
	report := &stats.Report{}
	if err := query(path, CommandStatus, report); err != nil {
		return nil, err
	}
	return report, nil
}

// FetchCounters returns the daemon counters
func FetchCounters(path string) (map[string]int64, error) {
	counters := map[string]int64{}
	if err := query(path, CommandCounters, &counters); err != nil {
		return nil, err
	}
	return counters, nil
}

// FetchClock returns the steered clock state
func FetchClock(path string) (*steering.State, error) {
	state := &steering.State{}
	if err := query(path, CommandClock, state); err != nil {
		return nil, err
	}
	return state, nil
}
