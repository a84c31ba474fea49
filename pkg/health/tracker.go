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

// Package health classifies the health of discovered access patterns
// keyed by (domain, endpoint) and emits notifications on status
// transitions.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/observability"
)

// Status of one pattern.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
	StatusBroken   Status = "broken"
)

// severity ranks non-healthy statuses for query ordering.
var severity = map[Status]int{
	StatusBroken:   3,
	StatusFailing:  2,
	StatusDegraded: 1,
	StatusHealthy:  0,
}

// Thresholds tune the status function.
type Thresholds struct {
	// MinSampleSize is how many observations a pattern needs before it
	// can be classified as anything but healthy.
	MinSampleSize int
	// ConsecutiveFailures marks a pattern failing at this count and
	// broken at twice this count.
	ConsecutiveFailures int
	// Window bounds the observation history ring.
	Window int
	// MaxNotifications caps the FIFO notification ring.
	MaxNotifications int
}

// DefaultThresholds mirrors the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSampleSize:       5,
		ConsecutiveFailures: 3,
		Window:              20,
		MaxNotifications:    100,
	}
}

// StatusOf is the pure status function. Insufficient data is always
// healthy; consecutive failures dominate the rate thresholds.
func StatusOf(successRate float64, consecutiveFailures, sampleSize int, t Thresholds) Status {
	switch {
	case sampleSize < t.MinSampleSize:
		return StatusHealthy
	case consecutiveFailures >= 2*t.ConsecutiveFailures:
		return StatusBroken
	case consecutiveFailures >= t.ConsecutiveFailures:
		return StatusFailing
	case successRate >= 0.7:
		return StatusHealthy
	case successRate >= 0.5:
		return StatusDegraded
	case successRate >= 0.2:
		return StatusFailing
	default:
		return StatusBroken
	}
}

// PatternKey identifies one tracked pattern.
type PatternKey struct {
	Domain   string `json:"domain"`
	Endpoint string `json:"endpoint"`
}

// Pattern is the health state for one key.
type Pattern struct {
	Key                 PatternKey `json:"key"`
	Status              Status     `json:"status"`
	SuccessRate         float64    `json:"successRate"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	SampleSize          int        `json:"sampleSize"`
	DegradedSinceMs     int64      `json:"degradedSinceMs,omitempty"`
	SuggestedActions    []string   `json:"suggestedActions,omitempty"`
	LastObservedMs      int64      `json:"lastObservedMs"`
}

// Notification records one status transition.
type Notification struct {
	ID               string     `json:"id"`
	Key              PatternKey `json:"key"`
	Previous         Status     `json:"previous"`
	Current          Status     `json:"current"`
	SuggestedActions []string   `json:"suggestedActions,omitempty"`
	TimestampMs      int64      `json:"timestampMs"`
}

// pattern is the internal mutable state behind one key.
type pattern struct {
	history             []bool // observation ring, newest last
	consecutiveFailures int
	status              Status
	degradedSinceMs     int64
	lastObservedMs      int64
}

// Tracker is the pattern health tracker.
type Tracker struct {
	mu            sync.Mutex
	thresholds    Thresholds
	patterns      map[PatternKey]*pattern
	notifications []Notification
	tracer        observability.Tracer

	now func() time.Time
}

// NewTracker creates a tracker. Zero-valued threshold fields take the
// documented defaults.
func NewTracker(t Thresholds, tracer observability.Tracer) *Tracker {
	def := DefaultThresholds()
	if t.MinSampleSize <= 0 {
		t.MinSampleSize = def.MinSampleSize
	}
	if t.ConsecutiveFailures <= 0 {
		t.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if t.Window <= 0 {
		t.Window = def.Window
	}
	if t.MaxNotifications <= 0 {
		t.MaxNotifications = def.MaxNotifications
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Tracker{
		thresholds: t,
		patterns:   make(map[PatternKey]*pattern),
		tracer:     tracer,
		now:        time.Now,
	}
}

// RecordSuccess feeds a successful observation for key.
func (tr *Tracker) RecordSuccess(domain, endpoint string) {
	tr.record(PatternKey{Domain: domain, Endpoint: endpoint}, true)
}

// RecordFailure feeds a failed observation for key.
func (tr *Tracker) RecordFailure(domain, endpoint string) {
	tr.record(PatternKey{Domain: domain, Endpoint: endpoint}, false)
}

func (tr *Tracker) record(key PatternKey, success bool) {
	_, span := tr.tracer.StartSpan(context.Background(), observability.SpanHealthRecord,
		observability.WithAttribute(observability.AttrFetchDomain, key.Domain))
	defer tr.tracer.EndSpan(span)

	nowMs := tr.now().UnixMilli()

	tr.mu.Lock()
	defer tr.mu.Unlock()

	p := tr.patterns[key]
	if p == nil {
		p = &pattern{status: StatusHealthy}
		tr.patterns[key] = p
	}

	p.history = append(p.history, success)
	if len(p.history) > tr.thresholds.Window {
		p.history = p.history[len(p.history)-tr.thresholds.Window:]
	}
	if success {
		p.consecutiveFailures = 0
	} else {
		p.consecutiveFailures++
	}
	p.lastObservedMs = nowMs

	previous := p.status
	current := StatusOf(successRate(p.history), p.consecutiveFailures, len(p.history), tr.thresholds)
	p.status = current

	switch {
	case current == StatusHealthy:
		p.degradedSinceMs = 0
	case previous == StatusHealthy && current != StatusHealthy:
		p.degradedSinceMs = nowMs
	}

	if current != previous {
		tr.notifications = append(tr.notifications, Notification{
			ID:               uuid.NewString(),
			Key:              key,
			Previous:         previous,
			Current:          current,
			SuggestedActions: suggestedActions(current),
			TimestampMs:      nowMs,
		})
		if len(tr.notifications) > tr.thresholds.MaxNotifications {
			tr.notifications = tr.notifications[len(tr.notifications)-tr.thresholds.MaxNotifications:]
		}
	}

	span.Status = observability.Status{Code: observability.StatusOK}
}

func successRate(history []bool) float64 {
	if len(history) == 0 {
		return 0
	}
	var ok int
	for _, s := range history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(history))
}

func suggestedActions(s Status) []string {
	switch s {
	case StatusDegraded:
		return []string{"monitor pattern for further degradation"}
	case StatusFailing:
		return []string{"verify the endpoint still exists", "retry with a more capable tier"}
	case StatusBroken:
		return []string{"re-discover the pattern", "stop relying on this endpoint"}
	default:
		return nil
	}
}

// Pattern returns a snapshot of one pattern's state.
func (tr *Tracker) Pattern(domain, endpoint string) (Pattern, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	key := PatternKey{Domain: domain, Endpoint: endpoint}
	p := tr.patterns[key]
	if p == nil {
		return Pattern{}, false
	}
	return tr.snapshotLocked(key, p), true
}

func (tr *Tracker) snapshotLocked(key PatternKey, p *pattern) Pattern {
	return Pattern{
		Key:                 key,
		Status:              p.status,
		SuccessRate:         successRate(p.history),
		ConsecutiveFailures: p.consecutiveFailures,
		SampleSize:          len(p.history),
		DegradedSinceMs:     p.degradedSinceMs,
		SuggestedActions:    suggestedActions(p.status),
		LastObservedMs:      p.lastObservedMs,
	}
}

// GetUnhealthyPatterns returns every non-healthy pattern, most severe
// first.
func (tr *Tracker) GetUnhealthyPatterns() []Pattern {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var out []Pattern
	for key, p := range tr.patterns {
		if p.status == StatusHealthy {
			continue
		}
		out = append(out, tr.snapshotLocked(key, p))
	}
	sort.Slice(out, func(i, j int) bool {
		if severity[out[i].Status] != severity[out[j].Status] {
			return severity[out[i].Status] > severity[out[j].Status]
		}
		if out[i].Key.Domain != out[j].Key.Domain {
			return out[i].Key.Domain < out[j].Key.Domain
		}
		return out[i].Key.Endpoint < out[j].Key.Endpoint
	})
	return out
}

// Notifications returns the transition ring, oldest first.
func (tr *Tracker) Notifications() []Notification {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Notification(nil), tr.notifications...)
}

// StatsByStatus counts tracked patterns per status.
func (tr *Tracker) StatsByStatus() map[Status]int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := map[Status]int{
		StatusHealthy:  0,
		StatusDegraded: 0,
		StatusFailing:  0,
		StatusBroken:   0,
	}
	for _, p := range tr.patterns {
		out[p.status]++
	}
	return out
}
