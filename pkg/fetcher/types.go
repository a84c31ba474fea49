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

// Package fetcher implements the tier cascade: given a URL it returns
// normalized page content from the cheapest tier whose output passes
// validation, escalating through the JS sandbox to a full browser only
// when earlier tiers come up short.
package fetcher

import (
	"time"

	"github.com/quarryhq/quarry/pkg/render"
	"github.com/quarryhq/quarry/pkg/tier"
)

// Options control a single fetch.
type Options struct {
	// Tier forces a single tier; the cascade is skipped. Empty means
	// normal cascade order.
	Tier tier.Tier

	// TimeoutMs bounds the whole cascade. Zero means DefaultTimeoutMs.
	TimeoutMs int

	// PerTierTimeoutMs bounds each tier attempt. Zero means the
	// remaining overall budget applies.
	PerTierTimeoutMs int

	// SkipValidation accepts the first tier's output without running
	// the content validator.
	SkipValidation bool

	// DisableLearning suppresses learning-store updates for this fetch.
	DisableLearning bool

	// SessionProfile is an opaque profile name forwarded to the
	// playwright adapter.
	SessionProfile string

	// ContentType hints the expected content kind to the renderer.
	ContentType string

	// TenantID attributes usage events to a tenant.
	TenantID string

	// AllowPrivateHosts disables the SSRF guard's private-range checks.
	// Development and test use only.
	AllowPrivateHosts bool
}

// DefaultTimeoutMs is the overall cascade budget when none is given.
const DefaultTimeoutMs = 30000

// Content is the normalized body of a fetched page.
type Content struct {
	HTML     string `json:"html,omitempty"`
	Text     string `json:"text"`
	Markdown string `json:"markdown"`
}

// DiscoveredAPI is an API endpoint observed while fetching a page,
// either declared by the document or seen on the wire by the browser.
type DiscoveredAPI struct {
	Method             string    `json:"method"`
	URL                string    `json:"url"`
	Status             int       `json:"status,omitempty"`
	ContentType        string    `json:"contentType,omitempty"`
	ObservedDuringTier tier.Tier `json:"observedDuringTier"`
}

// Metadata carries timing facts about the fetch.
type Metadata struct {
	LoadTimeMs int64     `json:"loadTimeMs"`
	Timestamp  time.Time `json:"timestamp"`
	FinalURL   string    `json:"finalUrl"`
}

// LearningNotes annotate the result with what the extractor tried.
type LearningNotes struct {
	SelectorsTried     []string `json:"selectorsTried,omitempty"`
	SelectorsSucceeded []string `json:"selectorsSucceeded,omitempty"`
	SelectorsFailed    []string `json:"selectorsFailed,omitempty"`
	Confidence         float64  `json:"confidence"`
}

// FetchResult is the normalized output for one URL.
type FetchResult struct {
	URL            string          `json:"url"`
	Title          string          `json:"title"`
	Content        Content         `json:"content"`
	APIs           []DiscoveredAPI `json:"apis,omitempty"`
	Metadata       Metadata        `json:"metadata"`
	Learning       LearningNotes   `json:"learning"`
	FinalTier      tier.Tier       `json:"finalTier"`
	TiersAttempted []tier.Tier     `json:"tiersAttempted"`
	FellBack       bool            `json:"fellBack"`
	CostUnits      int             `json:"costUnits"`
}

// StageTimings break a tier attempt down by pipeline stage.
type StageTimings struct {
	NetworkMs     int64 `json:"networkMs"`
	ParsingMs     int64 `json:"parsingMs"`
	JSExecutionMs int64 `json:"jsExecutionMs"`
	ExtractionMs  int64 `json:"extractionMs"`
}

// TierResult is what a single tier produces before validation.
type TierResult struct {
	FinalURL string
	HTML     string
	Rendered *render.Result
	APIs     []DiscoveredAPI
	Stages   StageTimings
}

// Attempt records one tier try, successful or not.
type Attempt struct {
	Tier       tier.Tier    `json:"tier"`
	DurationMs int64        `json:"durationMs"`
	Class      FailureClass `json:"class,omitempty"`
	Reasons    []string     `json:"reasons,omitempty"`
}

// Event is emitted once per completed fetch (success or terminal
// failure) for the stores to consume. Emission is fire-and-forget:
// consumers must never fail the fetch.
type Event struct {
	URL            string
	Domain         string
	TenantID       string
	Success        bool
	FinalTier      tier.Tier
	TiersAttempted []tier.Tier
	FellBack       bool
	DurationMs     int64
	ContentLength  int
	CostUnits      int
	FailureClass   FailureClass
	FailureMessage string
	Stages         StageTimings
	LearningOff    bool
}

// EventSink consumes fetch events. The core aggregate implements this
// by fanning out to the learning store, usage meter, and performance
// tracker in that order.
type EventSink interface {
	ObserveFetch(ev Event)
}

// PreferenceSource supplies the learned starting tier for a domain.
type PreferenceSource interface {
	PreferredTier(domain string) (tier.Tier, bool)
}

// noPreferences is used when no learning store is wired.
type noPreferences struct{}

func (noPreferences) PreferredTier(string) (tier.Tier, bool) { return "", false }

// discardSink is used when no stores are wired.
type discardSink struct{}

func (discardSink) ObserveFetch(Event) {}
