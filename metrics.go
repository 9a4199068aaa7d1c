// Copyright 2024 The Dispatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors a Dispatcher reports through.
// A nil *Metrics (the zero value of Dispatcher before WithMetrics is
// called) makes every method here a no-op, so instrumentation is strictly
// opt-in.
type Metrics struct {
	cacheLookups  *prometheus.CounterVec // labels: dispatch_type, outcome=hit|miss
	cacheSize     *prometheus.GaugeVec   // labels: dispatch_type
	dispatches    *prometheus.CounterVec // labels: dispatch_type, outcome=ok|not_found|error
	rebuilds      prometheus.Counter
}

// NewMetrics constructs a Metrics bundle and registers it with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "chain_cache",
			Name:      "lookups_total",
			Help:      "Chain cache lookups by dispatch type and outcome.",
		}, []string{"dispatch_type", "outcome"}),
		cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Subsystem: "chain_cache",
			Name:      "entries",
			Help:      "Current chain cache entry count by dispatch type.",
		}, []string{"dispatch_type"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "dispatches_total",
			Help:      "Dispatches by dispatch type and outcome.",
		}, []string{"dispatch_type", "outcome"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "rebuilds_total",
			Help:      "Total number of Dispatcher.Rebuild calls.",
		}),
	}
	for _, c := range []prometheus.Collector{m.cacheLookups, m.cacheSize, m.dispatches, m.rebuilds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeCacheLookup(dt DispatchType, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.WithLabelValues(dt.String(), outcome).Inc()
}

func (m *Metrics) setCacheSize(dt DispatchType, n int) {
	if m == nil {
		return
	}
	m.cacheSize.WithLabelValues(dt.String()).Set(float64(n))
}

func (m *Metrics) observeDispatch(dt DispatchType, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(dt.String(), outcome).Inc()
}

func (m *Metrics) observeRebuild() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}

// WithMetrics attaches m to the Dispatcher; later Rebuild and Dispatch calls
// report through it. Pass nil to detach.
func (d *Dispatcher) WithMetrics(m *Metrics) *Dispatcher {
	d.mu.Lock()
	d.metrics = m
	d.mu.Unlock()
	return d
}
