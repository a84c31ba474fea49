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
package changes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/persist"
)

// maxHistoryPerURL bounds the stored change history per tracked URL.
const maxHistoryPerURL = 50

// TrackOptions annotate a tracked URL.
type TrackOptions struct {
	Label string   `json:"label,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// ChangeReport describes one detected change.
type ChangeReport struct {
	Significance   Significance    `json:"significance"`
	OldFingerprint Fingerprint     `json:"oldFingerprint"`
	NewFingerprint Fingerprint     `json:"newFingerprint"`
	Sections       []SectionChange `json:"sections,omitempty"`
	OldKeyValues   *KeyValues      `json:"oldKeyValues,omitempty"`
	NewKeyValues   *KeyValues      `json:"newKeyValues,omitempty"`
	Diff           string          `json:"diff,omitempty"`
	DetectedAtMs   int64           `json:"detectedAtMs"`
}

// CheckResult answers a checkForChanges call. IsFirstCheck is set only
// when the check itself established the baseline; a baseline captured by
// TrackURL counts as already established.
type CheckResult struct {
	IsTracked    bool          `json:"isTracked"`
	IsFirstCheck bool          `json:"isFirstCheck"`
	HasChanged   bool          `json:"hasChanged"`
	Report       *ChangeReport `json:"changeReport,omitempty"`
}

// TrackedURL is the persisted state for one URL.
type TrackedURL struct {
	URL           string         `json:"url"`
	Label         string         `json:"label,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Fingerprint   Fingerprint    `json:"fingerprint"`
	Content       string         `json:"content"`
	History       []ChangeReport `json:"history,omitempty"`
	CreatedAtMs   int64          `json:"createdAtMs"`
	LastCheckedMs int64          `json:"lastCheckedMs"`
	CheckCount    int            `json:"checkCount"`
}

// ListFilter scopes a listTrackedUrls query. Empty fields match all.
type ListFilter struct {
	Tag          string
	Significance Significance // matches the latest history entry
}

// Stats summarizes the tracker.
type Stats struct {
	TrackedURLs    int                  `json:"trackedUrls"`
	TotalChecks    int                  `json:"totalChecks"`
	TotalChanges   int                  `json:"totalChanges"`
	BySignificance map[Significance]int `json:"bySignificance"`
}

// Tracker is the content change tracker.
type Tracker struct {
	mu       sync.Mutex
	tracked  map[string]*TrackedURL
	keywords []string

	path   string
	saver  *persist.Saver
	tracer observability.Tracer

	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithExtraKeywords extends the high-significance keyword set.
func WithExtraKeywords(words ...string) Option {
	return func(t *Tracker) {
		t.keywords = append(t.keywords, words...)
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer observability.Tracer) Option {
	return func(t *Tracker) {
		t.tracer = tracer
	}
}

// NewTracker opens the tracker backed by the JSON file at path. Empty
// path keeps it memory-only.
func NewTracker(path string, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		tracked:  make(map[string]*TrackedURL),
		keywords: append([]string(nil), DefaultHighSigKeywords...),
		path:     path,
		tracer:   observability.NewNoOpTracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if path != "" {
		if _, err := persist.LoadJSON(path, &t.tracked); err != nil {
			return nil, fmt.Errorf("failed to load tracked urls: %w", err)
		}
		if t.tracked == nil {
			t.tracked = make(map[string]*TrackedURL)
		}
		t.saver = persist.NewSaver("changes", persist.DefaultDebounce, t.save)
	}
	return t, nil
}

func (t *Tracker) save() error {
	t.mu.Lock()
	snapshot := make(map[string]*TrackedURL, len(t.tracked))
	for k, v := range t.tracked {
		cp := *v
		cp.History = append([]ChangeReport(nil), v.History...)
		snapshot[k] = &cp
	}
	t.mu.Unlock()
	return persist.SaveJSON(t.path, snapshot)
}

func (t *Tracker) markDirty() {
	if t.saver != nil {
		t.saver.MarkDirty()
	}
}

// TrackURL starts tracking url with the given baseline content.
// Tracking an already-tracked URL replaces its baseline and keeps its
// history.
func (t *Tracker) TrackURL(url, content string, opts TrackOptions) *TrackedURL {
	now := t.now()

	t.mu.Lock()
	entry := t.tracked[url]
	if entry == nil {
		entry = &TrackedURL{URL: url, CreatedAtMs: now.UnixMilli()}
		t.tracked[url] = entry
	}
	entry.Label = opts.Label
	entry.Tags = append([]string(nil), opts.Tags...)
	entry.Content = content
	entry.Fingerprint = NewFingerprint(content, now)
	snapshot := *entry
	t.mu.Unlock()

	t.markDirty()
	return &snapshot
}

// CheckForChanges compares newContent against the tracked baseline and
// advances the baseline when a change is found.
func (t *Tracker) CheckForChanges(ctx context.Context, url, newContent string) (*CheckResult, error) {
	_, span := t.tracer.StartSpan(ctx, observability.SpanChangesCheck,
		observability.WithAttribute(observability.AttrFetchURL, url))
	defer t.tracer.EndSpan(span)

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.tracked[url]
	if entry == nil {
		return &CheckResult{IsTracked: false}, nil
	}

	entry.CheckCount++
	entry.LastCheckedMs = now.UnixMilli()

	newFp := NewFingerprint(newContent, now)
	if entry.Fingerprint.ContentHash == "" {
		// No baseline yet: this check establishes it.
		entry.Content = newContent
		entry.Fingerprint = newFp
		t.markDirty()
		return &CheckResult{IsTracked: true, IsFirstCheck: true}, nil
	}

	significance := classify(entry.Fingerprint, newFp)
	if significance == SignificanceNone {
		t.markDirty()
		return &CheckResult{IsTracked: true}, nil
	}

	oldKV := ExtractKeyValues(entry.Content)
	newKV := ExtractKeyValues(newContent)
	sections := sectionDiff(entry.Content, newContent, t.keywords)
	for _, sc := range sections {
		if sc.Significance == SignificanceHigh {
			significance = SignificanceHigh
			break
		}
	}

	report := &ChangeReport{
		Significance:   significance,
		OldFingerprint: entry.Fingerprint,
		NewFingerprint: newFp,
		Sections:       sections,
		Diff:           textDiff(entry.Content, newContent),
		DetectedAtMs:   now.UnixMilli(),
	}
	if !oldKV.Equal(newKV) {
		report.OldKeyValues = &oldKV
		report.NewKeyValues = &newKV
	}

	entry.History = append(entry.History, *report)
	if len(entry.History) > maxHistoryPerURL {
		entry.History = entry.History[len(entry.History)-maxHistoryPerURL:]
	}
	entry.Content = newContent
	entry.Fingerprint = newFp
	t.markDirty()

	span.Status = observability.Status{Code: observability.StatusOK}
	return &CheckResult{
		IsTracked:  true,
		HasChanged: true,
		Report:     report,
	}, nil
}

// UntrackURL stops tracking url.
func (t *Tracker) UntrackURL(url string) bool {
	t.mu.Lock()
	_, ok := t.tracked[url]
	delete(t.tracked, url)
	t.mu.Unlock()

	if ok {
		t.markDirty()
	}
	return ok
}

// GetChangeHistory returns up to limit most recent change reports for
// url, newest first.
func (t *Tracker) GetChangeHistory(url string, limit int) []ChangeReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.tracked[url]
	if entry == nil {
		return nil
	}
	hist := entry.History
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]ChangeReport, len(hist))
	for i, r := range hist {
		out[len(hist)-1-i] = r
	}
	return out
}

// ListTrackedURLs returns snapshots of tracked URLs matching the
// filter.
func (t *Tracker) ListTrackedURLs(f ListFilter) []TrackedURL {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TrackedURL
	for _, entry := range t.tracked {
		if f.Tag != "" && !hasTag(entry.Tags, f.Tag) {
			continue
		}
		if f.Significance != "" {
			if len(entry.History) == 0 {
				continue
			}
			if entry.History[len(entry.History)-1].Significance != f.Significance {
				continue
			}
		}
		cp := *entry
		cp.History = append([]ChangeReport(nil), entry.History...)
		out = append(out, cp)
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// Stats summarizes the tracker state.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		TrackedURLs:    len(t.tracked),
		BySignificance: make(map[Significance]int),
	}
	for _, entry := range t.tracked {
		s.TotalChecks += entry.CheckCount
		s.TotalChanges += len(entry.History)
		for _, r := range entry.History {
			s.BySignificance[r.Significance]++
		}
	}
	return s
}

// Flush drains any pending debounced save.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.saver == nil {
		return nil
	}
	return t.saver.Flush(ctx)
}

// Close flushes and stops the background saver.
func (t *Tracker) Close(ctx context.Context) error {
	if t.saver == nil {
		return nil
	}
	return t.saver.Close(ctx)
}
