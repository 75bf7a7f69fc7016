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

// Package status answers local diagnostic queries over a unix socket.
// The protocol is one text command per connection ("status",
// "counters" or "clock"), answered with a JSON document and EOF.
// Replies come from last-known snapshots, so a query never waits on a
// stalled port or a busy steering loop.
package status

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timetools/ptpd/stats"
)

// DefaultTimeout bounds both sides of one exchange
const DefaultTimeout = time.Second

// Commands understood by the server
const (
	CommandStatus   = "status"
	CommandCounters = "counters"
	CommandClock    = "clock"
)

// Server answers queries on a unix socket
type Server struct {
	path     string
	report   func() stats.Report
	counters *stats.Counters
	timeout  time.Duration
}

// NewServer creates a status server answering from report and counters
func NewServer(path string, report func() stats.Report, counters *stats.Counters) *Server {
	return &Server{
		path:     path,
		report:   report,
		counters: counters,
		timeout:  DefaultTimeout,
	}
}

// Start listens on the socket until ctx is cancelled. A stale socket
// file from a previous unclean shutdown is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %q: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", s.path, err)
	}
	// diagnostics should not require root
	if err := os.Chmod(s.path, 0666); err != nil {
		ln.Close()
		return err
	}
	log.Infof("status server listening on %s", s.path)

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("status server accept: %v", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	var reply any
	switch strings.TrimSpace(line) {
	case CommandStatus:
		reply = s.report()
	case CommandCounters:
		reply = s.counters.Snapshot()
	case CommandClock:
		reply = s.report().Clock
	default:
		reply = map[string]string{"error": fmt.Sprintf("unknown command %q", strings.TrimSpace(line))}
	}

	js, err := json.Marshal(reply)
	if err != nil {
		log.Errorf("status server marshal: %v", err)
		return
	}
	if _, err := conn.Write(js); err != nil {
		log.Errorf("status server write: %v", err)
	}
}
