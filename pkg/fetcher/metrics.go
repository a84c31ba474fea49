// Copyright 2026 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the fetcher feeds. The
// embedding process registers them on its own registry.
type Metrics struct {
	FetchesTotal  *prometheus.CounterVec
	TierAttempts  *prometheus.CounterVec
	Fallbacks     prometheus.Counter
	FetchDuration prometheus.Histogram
	CostUnits     prometheus.Counter
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "fetches_total",
			Help:      "Completed fetches by final tier and outcome.",
		}, []string{"tier", "outcome"}),
		TierAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "tier_attempts_total",
			Help:      "Tier attempts by tier and result.",
		}, []string{"tier", "result"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "fallbacks_total",
			Help:      "Fetches that needed more than one tier.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Name:      "fetch_duration_seconds",
			Help:      "End-to-end cascade duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		CostUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "cost_units_total",
			Help:      "Accumulated cost units across all fetches.",
		}),
	}
}

// Collectors returns everything for registry registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FetchesTotal, m.TierAttempts, m.Fallbacks, m.FetchDuration, m.CostUnits,
	}
}
