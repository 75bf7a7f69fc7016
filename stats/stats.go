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

// Package stats collects and reports daemon counters
package stats

import "sync"

// Counters is a named counter set shared by all daemon components.
// It satisfies the Stats interfaces of the port and steering packages.
type Counters struct {
	mu       sync.RWMutex
	counters map[string]int64
}

// NewCounters creates an empty counter set
func NewCounters() *Counters {
	return &Counters{counters: map[string]int64{}}
}

// Inc atomically adds 1 to the counter
func (c *Counters) Inc(counter string) {
	c.Add(counter, 1)
}

// Add atomically adds value to the counter
func (c *Counters) Add(counter string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[counter] += value
}

// Set atomically overwrites the counter
func (c *Counters) Set(counter string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[counter] = value
}

// Get returns the counter value, 0 when never touched
func (c *Counters) Get(counter string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[counter]
}

// Snapshot returns a copy of all counters
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Reset drops all counters
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = map[string]int64{}
}
