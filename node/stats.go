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

package node

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// StatsServer is the counter sink the roles report into.
type StatsServer interface {
	// Reset atomically sets all the counters to 0
	Reset()
	SetCounter(key string, val int64)
	UpdateCounterBy(key string, count int64)
}

// Stats is a map-backed StatsServer. The roles write from the loop
// goroutine; the monitoring endpoint reads snapshots.
type Stats struct {
	mux      sync.Mutex
	counters map[string]int64
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{counters: map[string]int64{}}
}

// UpdateCounterBy increments a counter.
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// SetCounter sets a counter to the provided value.
func (s *Stats) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// Get returns a snapshot of all counters.
func (s *Stats) Get() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for key, val := range s.counters {
		ret[key] = val
	}
	s.mux.Unlock()
	return ret
}

// Reset sets all the counters to 0.
func (s *Stats) Reset() {
	s.mux.Lock()
	for k := range s.counters {
		s.counters[k] = 0
	}
	s.mux.Unlock()
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	// descriptors are derived from the live key set in Collect
}

// Collect implements prometheus.Collector, exporting every counter as
// an untyped gauge under the aerolink namespace.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for k, v := range s.Get() {
		name := "aerolink_" + strings.NewReplacer(".", "_", "-", "_").Replace(k)
		desc := prometheus.NewDesc(name, "aerolink counter "+k, nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, float64(v))
		if err != nil {
			continue
		}
		ch <- m
	}
}

// Monitoring serves the counters as JSON on / and in Prometheus
// exposition format on /metrics.
type Monitoring struct {
	stats  *Stats
	events *EventLog
}

// NewMonitoring creates the monitoring surface over stats and events.
func NewMonitoring(stats *Stats, events *EventLog) *Monitoring {
	return &Monitoring{stats: stats, events: events}
}

// Start runs the http server; call in its own goroutine.
func (m *Monitoring) Start(port int) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(m.stats); err != nil {
		log.Errorf("registering stats collector: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleCounters)
	mux.HandleFunc("/events", m.handleEvents)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Infof("starting monitoring server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("failed to start monitoring listener: %v", err)
	}
}

func (m *Monitoring) handleCounters(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(m.stats.Get())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}

func (m *Monitoring) handleEvents(w http.ResponseWriter, r *http.Request) {
	if m.events == nil {
		http.Error(w, "no event log", http.StatusNotFound)
		return
	}
	var lines []string
	for _, e := range m.events.Events() {
		lines = append(lines, e.String())
	}
	js, err := json.Marshal(lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}
