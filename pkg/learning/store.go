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

// Package learning persists per-domain fetch preferences that bias
// future cascades: which tier to start from, smoothed response times,
// and success/failure accounting.
//
// Reads are lock-free against an immutable snapshot map; writes
// serialize on a single mutex and publish a fresh snapshot, so a
// concurrent Preference call never observes a torn entry.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/persist"
	"github.com/quarryhq/quarry/pkg/tier"
)

// EMAAlpha is the smoothing factor for response-time averaging.
const EMAAlpha = 0.2

// demotionWindow is how many consecutive successes a cheaper tier needs
// before it becomes the preferred tier.
const demotionWindow = 5

// promotionThreshold is how many consecutive failures promote the
// preferred tier to the next more expensive one.
const promotionThreshold = 3

// DomainPreference is the learned state for one registrable domain.
// Entries are created lazily on first observation and never destroyed.
type DomainPreference struct {
	PreferredTier     tier.Tier `json:"preferredTier,omitempty"`
	SuccessCount      int       `json:"successCount"`
	FailureCount      int       `json:"failureCount"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`
	LastUsedAtMs      int64     `json:"lastUsedAtMs"`
	LastFailureReason string    `json:"lastFailureReason,omitempty"`

	// ConsecutiveFailures counts failures since the last success; it
	// drives promotion to a more expensive tier.
	ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`

	// RecentByTier keeps the outcome of the last few attempts per tier;
	// an unbroken run of successes on a cheaper tier drives demotion.
	RecentByTier map[tier.Tier][]bool `json:"recentByTier,omitempty"`
}

// clone deep-copies a preference entry.
func (p *DomainPreference) clone() *DomainPreference {
	cp := *p
	if p.RecentByTier != nil {
		cp.RecentByTier = make(map[tier.Tier][]bool, len(p.RecentByTier))
		for t, hist := range p.RecentByTier {
			cp.RecentByTier[t] = append([]bool(nil), hist...)
		}
	}
	return &cp
}

// Store is the domain learning store.
type Store struct {
	mu     sync.Mutex // serializes writers
	snap   atomic.Pointer[map[string]*DomainPreference]
	path   string
	saver  *persist.Saver
	tracer observability.Tracer
}

// NewStore opens the store backed by the JSON file at path. A missing
// file starts empty; a corrupt one is set aside and the store starts
// empty. An empty path keeps the store memory-only.
func NewStore(path string, tracer observability.Tracer) (*Store, error) {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	s := &Store{path: path, tracer: tracer}

	data := make(map[string]*DomainPreference)
	if path != "" {
		if _, err := persist.LoadJSON(path, &data); err != nil {
			return nil, fmt.Errorf("failed to load learning store: %w", err)
		}
	}
	s.snap.Store(&data)

	if path != "" {
		s.saver = persist.NewSaver("learning", persist.DefaultDebounce, s.save)
	}
	return s, nil
}

func (s *Store) save() error {
	return persist.SaveJSON(s.path, *s.snap.Load())
}

func (s *Store) markDirty() {
	if s.saver != nil {
		s.saver.MarkDirty()
	}
}

// Preference returns a copy of the entry for domain, if one exists.
func (s *Store) Preference(domain string) (DomainPreference, bool) {
	m := *s.snap.Load()
	p, ok := m[normalize(domain)]
	if !ok {
		return DomainPreference{}, false
	}
	return *p.clone(), true
}

// PreferredTier implements the fetcher's preference source.
func (s *Store) PreferredTier(domain string) (tier.Tier, bool) {
	p, ok := s.Preference(domain)
	if !ok || !p.PreferredTier.Valid() {
		return "", false
	}
	return p.PreferredTier, true
}

// mutate applies fn to a copy of the entry for domain (creating one if
// absent) and publishes a fresh snapshot.
func (s *Store) mutate(domain string, fn func(p *DomainPreference)) {
	domain = normalize(domain)

	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.snap.Load()
	next := make(map[string]*DomainPreference, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	entry := &DomainPreference{}
	if prev, ok := old[domain]; ok {
		entry = prev.clone()
	}
	fn(entry)
	next[domain] = entry
	s.snap.Store(&next)

	s.markDirty()
}

// RecordSuccess updates the domain after a successful fetch at t.
//
// Successes reset the consecutive-failure count and feed the EMA
// response time. The preferred tier only moves on a sustained signal:
// it adopts t when unset, or demotes to a cheaper t after an unbroken
// run of successes there.
func (s *Store) RecordSuccess(domain string, t tier.Tier, durationMs int64, contentLength int) {
	_, span := s.tracer.StartSpan(context.Background(), observability.SpanLearningRecord,
		observability.WithAttribute(observability.AttrFetchDomain, domain),
		observability.WithAttribute(observability.AttrFetchTier, string(t)))
	defer s.tracer.EndSpan(span)

	s.mutate(domain, func(p *DomainPreference) {
		p.SuccessCount++
		p.ConsecutiveFailures = 0
		p.LastUsedAtMs = time.Now().UnixMilli()

		if p.AvgResponseTimeMs == 0 {
			p.AvgResponseTimeMs = float64(durationMs)
		} else {
			p.AvgResponseTimeMs = EMAAlpha*float64(durationMs) + (1-EMAAlpha)*p.AvgResponseTimeMs
		}

		if p.RecentByTier == nil {
			p.RecentByTier = make(map[tier.Tier][]bool)
		}
		hist := append(p.RecentByTier[t], true)
		if len(hist) > demotionWindow {
			hist = hist[len(hist)-demotionWindow:]
		}
		p.RecentByTier[t] = hist

		switch {
		case !p.PreferredTier.Valid():
			p.PreferredTier = t
		case t.CheaperThan(p.PreferredTier) && allTrue(hist) && len(hist) == demotionWindow:
			p.PreferredTier = t
		}
	})

	span.Status = observability.Status{Code: observability.StatusOK}
}

// RecordFailure updates the domain after a failed fetch. Three
// consecutive failures at the current preferred tier promote it to the
// next more expensive tier.
func (s *Store) RecordFailure(domain string, failureKind, message string) {
	_, span := s.tracer.StartSpan(context.Background(), observability.SpanLearningRecord,
		observability.WithAttribute(observability.AttrFetchDomain, domain),
		observability.WithAttribute(observability.AttrErrorType, failureKind))
	defer s.tracer.EndSpan(span)

	s.mutate(domain, func(p *DomainPreference) {
		p.FailureCount++
		p.ConsecutiveFailures++
		p.LastUsedAtMs = time.Now().UnixMilli()
		p.LastFailureReason = failureKind
		if message != "" {
			p.LastFailureReason = fmt.Sprintf("%s: %s", failureKind, message)
		}

		if p.PreferredTier.Valid() {
			if next, ok := p.PreferredTier.Next(); ok && p.ConsecutiveFailures >= promotionThreshold {
				p.PreferredTier = next
				p.ConsecutiveFailures = 0
				// A promoted tier starts with a clean record.
				delete(p.RecentByTier, next)
			}
		}
	})

	span.Status = observability.Status{Code: observability.StatusOK}
}

// SetDomainPreference is the admin override; it replaces the preferred
// tier atomically without touching the counters.
func (s *Store) SetDomainPreference(domain string, t tier.Tier) error {
	if !t.Valid() {
		return fmt.Errorf("invalid tier %q", t)
	}
	s.mutate(domain, func(p *DomainPreference) {
		p.PreferredTier = t
		p.ConsecutiveFailures = 0
	})
	return nil
}

// ExportPreferences serializes the full preference map.
func (s *Store) ExportPreferences() ([]byte, error) {
	return json.MarshalIndent(*s.snap.Load(), "", "  ")
}

// ImportState replaces the store contents with a previously exported
// snapshot.
func (s *Store) ImportState(data []byte) error {
	next := make(map[string]*DomainPreference)
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("failed to decode preferences: %w", err)
	}
	s.mu.Lock()
	s.snap.Store(&next)
	s.mu.Unlock()

	s.markDirty()
	return nil
}

// Domains returns all known domains.
func (s *Store) Domains() []string {
	m := *s.snap.Load()
	out := make([]string, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	return out
}

// Flush drains any pending debounced save.
func (s *Store) Flush(ctx context.Context) error {
	if s.saver == nil {
		return nil
	}
	return s.saver.Flush(ctx)
}

// Close flushes and stops the background saver.
func (s *Store) Close(ctx context.Context) error {
	if s.saver == nil {
		return nil
	}
	return s.saver.Close(ctx)
}

func allTrue(hist []bool) bool {
	for _, ok := range hist {
		if !ok {
			return false
		}
	}
	return len(hist) > 0
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
