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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/timetools/ptpd/port"
	"github.com/timetools/ptpd/steering"
)

// Report is the full daemon status served over http
type Report struct {
	Ports map[string]port.State `json:"ports"`
	Clock steering.State        `json:"clock"`
}

// JSONStats serves counters and status over http:
// "/" full status report, "/counters" flat counters,
// "/metrics" the same counters as prometheus gauges
type JSONStats struct {
	counters *Counters
	report   func() Report
	registry *prometheus.Registry
	gaugesMu sync.Mutex
	gauges   map[string]prometheus.Gauge
}

// NewJSONStats creates the http stats surface. report is called on
// every "/" request and must be cheap and non-blocking.
func NewJSONStats(counters *Counters, report func() Report) *JSONStats {
	return &JSONStats{
		counters: counters,
		report:   report,
		registry: prometheus.NewRegistry(),
		gauges:   map[string]prometheus.Gauge{},
	}
}

// Start serves http on monitoringport until ctx is cancelled
func (s *JSONStats) Start(ctx context.Context, monitoringport int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleReport)
	mux.HandleFunc("/counters", s.handleCounters)
	mux.Handle("/metrics", s.metricsHandler())

	addr := fmt.Sprintf(":%d", monitoringport)
	server := &http.Server{Addr: addr, Handler: mux}
	log.Infof("starting http json server on %s", addr)

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *JSONStats) handleReport(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, s.report())
}

func (s *JSONStats) handleCounters(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, s.counters.Snapshot())
}

func (s *JSONStats) reply(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}

// metricsHandler refreshes the gauge registry from the counters on
// every scrape, registering gauges for counters seen the first time
func (s *JSONStats) metricsHandler() http.Handler {
	promHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gaugesMu.Lock()
		for key, value := range s.counters.Snapshot() {
			gauge, ok := s.gauges[key]
			if !ok {
				gauge = prometheus.NewGauge(prometheus.GaugeOpts{
					Name: flattenKey(key),
					Help: key,
				})
				if err := s.registry.Register(gauge); err != nil {
					are := &prometheus.AlreadyRegisteredError{}
					if errors.As(err, are) {
						gauge = are.ExistingCollector.(prometheus.Gauge)
					} else {
						log.Errorf("failed to register metric %s: %v", key, err)
						continue
					}
				}
				s.gauges[key] = gauge
			}
			gauge.Set(float64(value))
		}
		s.gaugesMu.Unlock()
		promHandler.ServeHTTP(w, r)
	})
}

func flattenKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case ' ', '.', '-', '=', '/':
			out[i] = '_'
		default:
			out[i] = key[i]
		}
	}
	return string(out)
}
