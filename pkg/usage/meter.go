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

// Package usage meters cost-bearing fetch events and answers
// period-bucketed aggregation queries.
//
// All period boundaries are UTC: days start at midnight UTC, weeks on
// Sunday 00:00 UTC, months on the first at 00:00 UTC.
package usage

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/persist"
	"github.com/quarryhq/quarry/pkg/tier"
)

// MaxEvents bounds the in-memory event ring; older events trim FIFO.
const MaxEvents = 50000

// Event is one recorded fetch, successful or not.
type Event struct {
	ID             string      `json:"id"`
	TimestampMs    int64       `json:"timestampMs"`
	Domain         string      `json:"domain"`
	URL            string      `json:"url"`
	FinalTier      tier.Tier   `json:"finalTier,omitempty"`
	Success        bool        `json:"success"`
	DurationMs     int64       `json:"durationMs"`
	TiersAttempted []tier.Tier `json:"tiersAttempted"`
	FellBack       bool        `json:"fellBack"`
	TenantID       string      `json:"tenantId,omitempty"`
	CostUnits      int         `json:"costUnits"`
}

// Period selects an aggregation window.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Filter scopes a summary query.
type Filter struct {
	Domain   string
	Tier     tier.Tier
	TenantID string
	Period   Period
}

// DomainCount ranks one domain inside an aggregate.
type DomainCount struct {
	Domain string `json:"domain"`
	Value  int64  `json:"value"`
}

// Aggregate summarizes one period window.
type Aggregate struct {
	Count         int64               `json:"count"`
	Success       int64               `json:"success"`
	Cost          int64               `json:"cost"`
	ByTier        map[tier.Tier]int64 `json:"byTier"`
	TopByCost     []DomainCount       `json:"topDomainsByCost"`
	TopByRequests []DomainCount       `json:"topDomainsByRequests"`
	AvgDurationMs float64             `json:"avgDurationMs"`
	FallbackRate  float64             `json:"fallbackRate"`
}

// Summary is the full answer to a summary query. Trends compare the
// current period to the previous one and are nil when the previous
// period is empty.
type Summary struct {
	TotalRequests     int64      `json:"totalRequests"`
	TotalCost         int64      `json:"totalCost"`
	SuccessRate       float64    `json:"successRate"`
	AvgCostPerRequest float64    `json:"avgCostPerRequest"`
	Current           *Aggregate `json:"current"`
	Previous          *Aggregate `json:"previous"`
	CostTrend         *float64   `json:"costTrend,omitempty"`
	RequestTrend      *float64   `json:"requestTrend,omitempty"`
}

// PeriodBucket is one bucket in a getUsageByPeriod answer.
type PeriodBucket struct {
	StartMs int64      `json:"startMs"`
	EndMs   int64      `json:"endMs"`
	Stats   *Aggregate `json:"stats"`
}

// Meter is the usage meter.
type Meter struct {
	mu     sync.RWMutex
	events []Event

	path  string
	saver *persist.Saver

	now func() time.Time // test seam
}

// NewMeter opens the meter backed by the JSON file at path. Empty path
// keeps it memory-only.
func NewMeter(path string) (*Meter, error) {
	m := &Meter{path: path, now: time.Now}
	if path != "" {
		if _, err := persist.LoadJSON(path, &m.events); err != nil {
			return nil, fmt.Errorf("failed to load usage events: %w", err)
		}
		if len(m.events) > MaxEvents {
			m.events = m.events[len(m.events)-MaxEvents:]
		}
		m.saver = persist.NewSaver("usage", persist.DefaultDebounce, m.save)
	}
	return m, nil
}

func (m *Meter) save() error {
	m.mu.RLock()
	snapshot := append([]Event(nil), m.events...)
	m.mu.RUnlock()
	return persist.SaveJSON(m.path, snapshot)
}

// NewEventID builds an id as base36 millis plus six random base36 chars.
func NewEventID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(now.UnixMilli(), 36))
	sb.WriteByte('-')
	for i := 0; i < 6; i++ {
		sb.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return sb.String()
}

// Record appends an event, assigning an id and timestamp when missing.
// The ring trims FIFO past MaxEvents.
func (m *Meter) Record(ev Event) Event {
	now := m.now()
	if ev.ID == "" {
		ev.ID = NewEventID(now)
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = now.UnixMilli()
	}

	m.mu.Lock()
	m.events = append(m.events, ev)
	if len(m.events) > MaxEvents {
		m.events = m.events[len(m.events)-MaxEvents:]
	}
	m.mu.Unlock()

	if m.saver != nil {
		m.saver.MarkDirty()
	}
	return ev
}

// Len returns the current ring size.
func (m *Meter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// periodStart floors t to the start of the period containing it, UTC.
func periodStart(t time.Time, p Period) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHour:
		return t.Truncate(time.Hour)
	case PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -int(day.Weekday())) // back to Sunday
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// previousStart returns the start of the window immediately before one
// starting at cur.
func previousStart(cur time.Time, p Period) time.Time {
	switch p {
	case PeriodHour:
		return cur.Add(-time.Hour)
	case PeriodDay:
		return cur.AddDate(0, 0, -1)
	case PeriodWeek:
		return cur.AddDate(0, 0, -7)
	case PeriodMonth:
		return cur.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

// matches applies the non-period filter fields.
func (f Filter) matches(ev Event) bool {
	if f.Domain != "" && ev.Domain != f.Domain {
		return false
	}
	if f.Tier != "" && ev.FinalTier != f.Tier {
		return false
	}
	if f.TenantID != "" && ev.TenantID != f.TenantID {
		return false
	}
	return true
}

// Summary answers an aggregation query per the filter.
func (m *Meter) Summary(ctx context.Context, f Filter) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Period == "" {
		f.Period = PeriodAll
	}

	m.mu.RLock()
	events := append([]Event(nil), m.events...)
	m.mu.RUnlock()

	now := m.now().UTC()
	curStart := periodStart(now, f.Period)
	var prevStart time.Time
	if f.Period != PeriodAll {
		prevStart = previousStart(curStart, f.Period)
	}

	var (
		total, totalCost, totalSuccess int64
		current, previous              []Event
	)
	for _, ev := range events {
		if !f.matches(ev) {
			continue
		}
		total++
		totalCost += int64(ev.CostUnits)
		if ev.Success {
			totalSuccess++
		}

		ts := time.UnixMilli(ev.TimestampMs).UTC()
		switch {
		case f.Period == PeriodAll:
			current = append(current, ev)
		case !ts.Before(curStart):
			current = append(current, ev)
		case !ts.Before(prevStart):
			previous = append(previous, ev)
		}
	}

	s := &Summary{
		TotalRequests: total,
		TotalCost:     totalCost,
		Current:       aggregate(current),
		Previous:      aggregate(previous),
	}
	if total > 0 {
		s.SuccessRate = float64(totalSuccess) / float64(total)
		s.AvgCostPerRequest = float64(totalCost) / float64(total)
	}
	if s.Previous.Cost > 0 {
		trend := float64(s.Current.Cost-s.Previous.Cost) / float64(s.Previous.Cost)
		s.CostTrend = &trend
	}
	if s.Previous.Count > 0 {
		trend := float64(s.Current.Count-s.Previous.Count) / float64(s.Previous.Count)
		s.RequestTrend = &trend
	}
	return s, nil
}

// GetUsageByPeriod returns the last n contiguous buckets of the given
// granularity ending at now, oldest first.
func (m *Meter) GetUsageByPeriod(ctx context.Context, granularity Period, n int) ([]PeriodBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if granularity == PeriodAll || n <= 0 {
		return nil, fmt.Errorf("granularity must be a bounded period and n positive")
	}

	m.mu.RLock()
	events := append([]Event(nil), m.events...)
	m.mu.RUnlock()

	now := m.now().UTC()
	starts := make([]time.Time, n)
	starts[n-1] = periodStart(now, granularity)
	for i := n - 2; i >= 0; i-- {
		starts[i] = previousStart(starts[i+1], granularity)
	}

	buckets := make([]PeriodBucket, n)
	grouped := make([][]Event, n)
	for _, ev := range events {
		ts := time.UnixMilli(ev.TimestampMs).UTC()
		if ts.Before(starts[0]) {
			continue
		}
		// Linear scan is fine for small n.
		for i := n - 1; i >= 0; i-- {
			if !ts.Before(starts[i]) {
				grouped[i] = append(grouped[i], ev)
				break
			}
		}
	}
	for i := 0; i < n; i++ {
		end := now
		if i < n-1 {
			end = starts[i+1]
		}
		buckets[i] = PeriodBucket{
			StartMs: starts[i].UnixMilli(),
			EndMs:   end.UnixMilli(),
			Stats:   aggregate(grouped[i]),
		}
	}
	return buckets, nil
}

// aggregate summarizes a slice of events.
func aggregate(events []Event) *Aggregate {
	agg := &Aggregate{ByTier: make(map[tier.Tier]int64)}
	if len(events) == 0 {
		return agg
	}

	var durationSum int64
	var fallbacks int64
	costByDomain := make(map[string]int64)
	reqByDomain := make(map[string]int64)

	for _, ev := range events {
		agg.Count++
		agg.Cost += int64(ev.CostUnits)
		if ev.Success {
			agg.Success++
		}
		if ev.FinalTier != "" {
			agg.ByTier[ev.FinalTier]++
		}
		if ev.FellBack {
			fallbacks++
		}
		durationSum += ev.DurationMs
		costByDomain[ev.Domain] += int64(ev.CostUnits)
		reqByDomain[ev.Domain]++
	}

	agg.AvgDurationMs = float64(durationSum) / float64(agg.Count)
	agg.FallbackRate = float64(fallbacks) / float64(agg.Count)
	agg.TopByCost = topDomains(costByDomain, 5)
	agg.TopByRequests = topDomains(reqByDomain, 5)
	return agg
}

func topDomains(m map[string]int64, n int) []DomainCount {
	out := make([]DomainCount, 0, len(m))
	for d, v := range m {
		out = append(out, DomainCount{Domain: d, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Domain < out[j].Domain
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Flush drains any pending debounced save.
func (m *Meter) Flush(ctx context.Context) error {
	if m.saver == nil {
		return nil
	}
	return m.saver.Flush(ctx)
}

// Close flushes and stops the background saver.
func (m *Meter) Close(ctx context.Context) error {
	if m.saver == nil {
		return nil
	}
	return m.saver.Close(ctx)
}
