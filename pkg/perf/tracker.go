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

// Package perf computes latency percentile statistics per domain and
// tier using fixed-capacity reservoir sampling.
//
// Samples are process-local and lost on restart; averages and counts
// are exact running sums while percentiles come from the reservoir.
package perf

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/quarryhq/quarry/internal/csync"
	"github.com/quarryhq/quarry/pkg/tier"
)

// DefaultReservoirCapacity is the per-bucket sample cap.
const DefaultReservoirCapacity = 1024

// Stats are the aggregated percentile statistics for one bucket or a
// union of buckets.
type Stats struct {
	P50       float64 `json:"p50"`
	P95       float64 `json:"p95"`
	P99       float64 `json:"p99"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Avg       float64 `json:"avg"`
	Count     int64   `json:"count"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
}

// Component names for the stage breakdown.
const (
	ComponentNetwork     = "network"
	ComponentParsing     = "parsing"
	ComponentJSExecution = "jsExecution"
	ComponentExtraction  = "extraction"
)

// bucket holds one reservoir plus exact running aggregates.
type bucket struct {
	mu        sync.Mutex
	capacity  int
	samples   []float64
	n         int64
	sum       float64
	min       float64
	max       float64
	successes int64
	failures  int64
}

func newBucket(capacity int) *bucket {
	return &bucket{capacity: capacity, min: math.Inf(1), max: math.Inf(-1)}
}

// observe feeds one sample. Once the reservoir is full, the n-th
// observation replaces a uniformly random slot with probability
// capacity/n, keeping the reservoir a uniform sample of the stream.
func (b *bucket) observe(v float64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.n++
	b.sum += v
	if v < b.min {
		b.min = v
	}
	if v > b.max {
		b.max = v
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}

	if len(b.samples) < b.capacity {
		b.samples = append(b.samples, v)
		return
	}
	if idx := rand.Int64N(b.n); idx < int64(b.capacity) {
		b.samples[idx] = v
	}
}

// snapshot copies the reservoir and aggregates.
func (b *bucket) snapshot() (samples []float64, n int64, sum, min, max float64, succ, fail int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	samples = append([]float64(nil), b.samples...)
	return samples, b.n, b.sum, b.min, b.max, b.successes, b.failures
}

// bucketKey identifies one (domain, tier) reservoir.
type bucketKey struct {
	domain string
	t      tier.Tier
}

// Tracker is the performance tracker.
type Tracker struct {
	capacity   int
	buckets    *csync.Map[bucketKey, *bucket]
	components *csync.Map[string, *bucket]
}

// NewTracker creates a tracker. Zero capacity means
// DefaultReservoirCapacity.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultReservoirCapacity
	}
	return &Tracker{
		capacity:   capacity,
		buckets:    csync.NewMap[bucketKey, *bucket](),
		components: csync.NewMap[string, *bucket](),
	}
}

// Record feeds one fetch duration for (domain, tier).
func (t *Tracker) Record(domain string, tr tier.Tier, success bool, durationMs int64) {
	b := t.buckets.GetOrSet(bucketKey{domain: domain, t: tr}, func() *bucket {
		return newBucket(t.capacity)
	})
	b.observe(float64(durationMs), success)
}

// RecordComponent feeds a stage duration (network, parsing, ...).
func (t *Tracker) RecordComponent(component string, durationMs int64) {
	if durationMs <= 0 {
		return
	}
	b := t.components.GetOrSet(component, func() *bucket {
		return newBucket(t.capacity)
	})
	b.observe(float64(durationMs), true)
}

// DomainPerformance is the per-domain query result.
type DomainPerformance struct {
	Domain  string               `json:"domain"`
	ByTier  map[tier.Tier]*Stats `json:"byTier"`
	Overall *Stats               `json:"overall"`
}

// GetDomainPerformance aggregates all tiers for one domain. Percentiles
// for the overall stats come from the union of the tier reservoirs.
func (t *Tracker) GetDomainPerformance(domain string) *DomainPerformance {
	out := &DomainPerformance{
		Domain: domain,
		ByTier: make(map[tier.Tier]*Stats),
	}
	var union []*bucket
	for key, b := range t.buckets.Seq2() {
		if key.domain != domain {
			continue
		}
		out.ByTier[key.t] = statsOf([]*bucket{b})
		union = append(union, b)
	}
	out.Overall = statsOf(union)
	return out
}

// DomainAvg pairs a domain with its average latency for ranking.
type DomainAvg struct {
	Domain string  `json:"domain"`
	AvgMs  float64 `json:"avgMs"`
	Count  int64   `json:"count"`
}

// SystemPerformance is the system-wide query result.
type SystemPerformance struct {
	Overall *Stats      `json:"overall"`
	Fastest []DomainAvg `json:"fastest"`
	Slowest []DomainAvg `json:"slowest"`
}

// GetSystemPerformance aggregates everything and ranks domains by
// average latency.
func (t *Tracker) GetSystemPerformance(topN int) *SystemPerformance {
	if topN <= 0 {
		topN = 5
	}

	var union []*bucket
	perDomain := make(map[string]*struct {
		sum   float64
		count int64
	})
	for key, b := range t.buckets.Seq2() {
		union = append(union, b)
		_, n, sum, _, _, _, _ := b.snapshot()
		agg := perDomain[key.domain]
		if agg == nil {
			agg = &struct {
				sum   float64
				count int64
			}{}
			perDomain[key.domain] = agg
		}
		agg.sum += sum
		agg.count += n
	}

	ranked := make([]DomainAvg, 0, len(perDomain))
	for d, agg := range perDomain {
		if agg.count == 0 {
			continue
		}
		ranked = append(ranked, DomainAvg{
			Domain: d,
			AvgMs:  agg.sum / float64(agg.count),
			Count:  agg.count,
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].AvgMs < ranked[j].AvgMs })

	res := &SystemPerformance{Overall: statsOf(union)}
	if len(ranked) <= topN {
		res.Fastest = ranked
		res.Slowest = reversed(ranked)
	} else {
		res.Fastest = append([]DomainAvg(nil), ranked[:topN]...)
		res.Slowest = reversed(ranked[len(ranked)-topN:])
	}
	return res
}

// GetComponentBreakdown returns stage-level stats for the fetch
// pipeline: network, parsing, jsExecution, extraction.
func (t *Tracker) GetComponentBreakdown() map[string]*Stats {
	out := make(map[string]*Stats)
	for name, b := range t.components.Seq2() {
		out[name] = statsOf([]*bucket{b})
	}
	return out
}

// statsOf computes Stats over the union of reservoirs: one sort per
// query, exact sums for avg and count.
func statsOf(buckets []*bucket) *Stats {
	var (
		samples    []float64
		count      int64
		sum        float64
		min        = math.Inf(1)
		max        = math.Inf(-1)
		succ, fail int64
	)
	for _, b := range buckets {
		s, n, bsum, bmin, bmax, bs, bf := b.snapshot()
		samples = append(samples, s...)
		count += n
		sum += bsum
		if bmin < min {
			min = bmin
		}
		if bmax > max {
			max = bmax
		}
		succ += bs
		fail += bf
	}
	st := &Stats{Count: count, Successes: succ, Failures: fail}
	if count == 0 {
		return st
	}
	st.Avg = sum / float64(count)
	st.Min = min
	st.Max = max

	sort.Float64s(samples)
	st.P50 = percentile(samples, 0.50)
	st.P95 = percentile(samples, 0.95)
	st.P99 = percentile(samples, 0.99)
	return st
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func reversed(in []DomainAvg) []DomainAvg {
	out := make([]DomainAvg, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
