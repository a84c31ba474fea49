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
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/quarryhq/quarry/internal/log"
	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/render"
	"github.com/quarryhq/quarry/pkg/tier"
)

// Fetcher runs the tier cascade for single URLs.
//
// Tiers are attempted strictly sequentially per URL, cheapest first
// unless the preference source bids a different starting tier. After
// each tier the content validator decides whether to stop or escalate;
// fatal network errors stop the cascade immediately.
type Fetcher struct {
	guard     *Guard
	validator *Validator
	renderer  render.Renderer
	tracer    observability.Tracer
	metrics   *Metrics

	intelligence TierFetcher
	lightweight  TierFetcher
	playwright   TierFetcher // nil when no browser adapter is plugged

	prefs PreferenceSource
	sink  EventSink
}

// Config wires a Fetcher.
type Config struct {
	// Renderer converts parsed HTML to normalized content. Nil uses the
	// default markdown renderer.
	Renderer render.Renderer
	// Browser is the optional playwright adapter.
	Browser BrowserAdapter
	// ScriptBudget bounds inline script execution on the lightweight
	// tier. Zero means DefaultScriptBudget.
	ScriptBudget time.Duration
	// Preferences supplies learned starting tiers. Nil disables biasing.
	Preferences PreferenceSource
	// Sink consumes fetch events. Nil discards them.
	Sink EventSink
	// Tracer instruments the cascade. Nil uses the no-op tracer.
	Tracer observability.Tracer
	// Metrics collects Prometheus counters. Nil creates a private set.
	Metrics *Metrics
	// Validator holds per-domain validation overrides. Nil creates an
	// empty one.
	Validator *Validator
	// AllowPrivateHosts disables SSRF checks globally. Development and
	// test use only.
	AllowPrivateHosts bool
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewMarkdown()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = NewValidator()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	var prefs PreferenceSource = noPreferences{}
	if cfg.Preferences != nil {
		prefs = cfg.Preferences
	}
	var sink EventSink = discardSink{}
	if cfg.Sink != nil {
		sink = cfg.Sink
	}

	return &Fetcher{
		guard:        &Guard{AllowPrivate: cfg.AllowPrivateHosts},
		validator:    validator,
		renderer:     renderer,
		tracer:       tracer,
		metrics:      metrics,
		intelligence: NewIntelligenceFetcher(renderer),
		lightweight:  NewLightweightFetcher(renderer, cfg.ScriptBudget),
		playwright:   asTierFetcher(NewPlaywrightFetcher(cfg.Browser, renderer)),
		prefs:        prefs,
		sink:         sink,
	}
}

// asTierFetcher keeps a typed-nil *PlaywrightFetcher from masquerading
// as a non-nil interface.
func asTierFetcher(f *PlaywrightFetcher) TierFetcher {
	if f == nil {
		return nil
	}
	return f
}

// Validator exposes the override set for hot reload.
func (f *Fetcher) Validator() *Validator { return f.validator }

// Metrics exposes the Prometheus collectors for registration.
func (f *Fetcher) Metrics() *Metrics { return f.metrics }

// PlaywrightAvailable reports whether the browser tier is plugged in.
func (f *Fetcher) PlaywrightAvailable() bool { return f.playwright != nil }

// ValidateURL applies the SSRF and scheme checks without fetching.
// Batch uses this to reject URLs before a task ever starts.
func (f *Fetcher) ValidateURL(ctx context.Context, raw string, opts Options) (*url.URL, error) {
	guard := f.guard
	if opts.AllowPrivateHosts && !guard.AllowPrivate {
		guard = &Guard{AllowPrivate: true, LookupIP: f.guard.LookupIP}
	}
	return guard.ValidateURL(ctx, raw)
}

// Fetch runs the cascade for one URL.
//
// On success the result's FinalTier is the tier that produced the
// accepted content and TiersAttempted lists every tier tried, in order.
// On failure the returned error is a *Error whose kind is the most
// specific classification across attempts.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*FetchResult, error) {
	ctx, span := f.tracer.StartSpan(ctx, observability.SpanFetcherCascade,
		observability.WithSpanKind("fetch"),
		observability.WithAttribute(observability.AttrFetchURL, rawURL))
	defer f.tracer.EndSpan(span)

	u, err := f.ValidateURL(ctx, rawURL, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	domain := strings.ToLower(u.Hostname())
	span.SetAttribute(observability.AttrFetchDomain, domain)

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	order := f.attemptOrder(domain, opts)
	if len(order) == 0 {
		err := NewError(KindValidation, "playwright_unavailable")
		span.RecordError(err)
		return nil, err
	}

	start := time.Now()
	var attempts []Attempt

	for _, t := range order {
		result, attempt := f.attemptTier(ctx, t, u, domain, opts)
		attempts = append(attempts, attempt)

		if result != nil {
			fetchResult := f.buildResult(u, t, result, attempts, start)
			f.recordOutcome(span, fetchResult, domain, opts, result.Stages)
			return fetchResult, nil
		}

		if attempt.Class == ClassFatalNetwork {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	class := MostSpecificClass(attempts)
	msg := failureMessage(attempts, class)
	if class == ClassValidation && !opts.Tier.Valid() && !f.PlaywrightAvailable() {
		// The cascade would escalate to the browser tier here.
		msg = "playwright_unavailable"
	}
	fetchErr := &Error{Kind: kindOf(class), Message: msg, Attempts: attempts}
	span.RecordError(fetchErr)

	f.emitEvent(Event{
		URL:            u.String(),
		Domain:         domain,
		TenantID:       opts.TenantID,
		Success:        false,
		TiersAttempted: tiersOf(attempts),
		FellBack:       len(attempts) > 1,
		DurationMs:     time.Since(start).Milliseconds(),
		CostUnits:      tier.TotalCost(tiersOf(attempts), ""),
		FailureClass:   class,
		FailureMessage: msg,
		LearningOff:    opts.DisableLearning,
	})
	f.metrics.FetchesTotal.WithLabelValues(string(lastTier(attempts)), "error").Inc()
	f.metrics.FetchDuration.Observe(time.Since(start).Seconds())

	return nil, fetchErr
}

// attemptOrder computes which tiers to try for this fetch.
func (f *Fetcher) attemptOrder(domain string, opts Options) []tier.Tier {
	available := f.PlaywrightAvailable()

	if opts.Tier.Valid() {
		if opts.Tier == tier.Playwright && !available {
			return nil
		}
		return []tier.Tier{opts.Tier}
	}

	var preferred tier.Tier
	if !opts.DisableLearning {
		if p, ok := f.prefs.PreferredTier(domain); ok {
			preferred = p
		}
	}
	return tier.AttemptOrder(preferred, available)
}

// attemptTier runs one tier and validates its output. A nil TierResult
// means the attempt failed or validated false; the Attempt says why.
func (f *Fetcher) attemptTier(ctx context.Context, t tier.Tier, u *url.URL, domain string, opts Options) (*TierResult, Attempt) {
	ctx, span := f.tracer.StartSpan(ctx, observability.SpanFetcherTier,
		observability.WithSpanKind("tier"),
		observability.WithAttribute(observability.AttrFetchTier, string(t)))
	defer f.tracer.EndSpan(span)

	if opts.PerTierTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.PerTierTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := f.tierFetcher(t).Fetch(ctx, u, opts)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		class := ClassUnknown
		var cerr *classifiedError
		if errors.As(err, &cerr) {
			class = cerr.class
		}
		span.RecordError(err)
		f.metrics.TierAttempts.WithLabelValues(string(t), string(class)).Inc()
		return nil, Attempt{Tier: t, DurationMs: elapsed, Class: class, Reasons: []string{err.Error()}}
	}

	if !opts.SkipValidation {
		doc, _ := goquery.NewDocumentFromReader(strings.NewReader(result.HTML))
		valid, reasons := f.validator.Validate(domain, doc, result.Rendered)
		if !valid {
			f.metrics.TierAttempts.WithLabelValues(string(t), "invalid").Inc()
			span.Status = observability.Status{Code: observability.StatusError, Message: "validation failed"}
			return nil, Attempt{Tier: t, DurationMs: elapsed, Class: ClassValidation, Reasons: reasons}
		}
	}

	f.metrics.TierAttempts.WithLabelValues(string(t), "ok").Inc()
	span.Status = observability.Status{Code: observability.StatusOK}
	return result, Attempt{Tier: t, DurationMs: elapsed}
}

func (f *Fetcher) tierFetcher(t tier.Tier) TierFetcher {
	switch t {
	case tier.Intelligence:
		return f.intelligence
	case tier.Lightweight:
		return f.lightweight
	default:
		return f.playwright
	}
}

// buildResult assembles the caller-facing FetchResult.
func (f *Fetcher) buildResult(u *url.URL, final tier.Tier, tr *TierResult, attempts []Attempt, start time.Time) *FetchResult {
	attempted := tiersOf(attempts)
	return &FetchResult{
		URL:   tr.FinalURL,
		Title: tr.Rendered.Title,
		Content: Content{
			HTML:     tr.HTML,
			Text:     tr.Rendered.Text,
			Markdown: tr.Rendered.Markdown,
		},
		APIs: tr.APIs,
		Metadata: Metadata{
			LoadTimeMs: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
			FinalURL:   tr.FinalURL,
		},
		Learning: LearningNotes{
			Confidence: confidenceFor(tr.Rendered),
		},
		FinalTier:      final,
		TiersAttempted: attempted,
		FellBack:       len(attempted) > 1,
		CostUnits:      tier.TotalCost(attempted, final),
	}
}

// recordOutcome emits the success event and bumps metrics. The stage
// breakdown reflects the accepted attempt only.
func (f *Fetcher) recordOutcome(span *observability.Span, res *FetchResult, domain string, opts Options, stages StageTimings) {
	span.SetAttribute(observability.AttrFetchFinalTier, string(res.FinalTier))
	span.SetAttribute(observability.AttrFetchFellBack, res.FellBack)
	span.SetAttribute(observability.AttrFetchDuration, res.Metadata.LoadTimeMs)
	span.Status = observability.Status{Code: observability.StatusOK}

	f.emitEvent(Event{
		URL:            res.URL,
		Domain:         domain,
		TenantID:       opts.TenantID,
		Success:        true,
		FinalTier:      res.FinalTier,
		TiersAttempted: res.TiersAttempted,
		FellBack:       res.FellBack,
		DurationMs:     res.Metadata.LoadTimeMs,
		ContentLength:  len(res.Content.Text),
		CostUnits:      res.CostUnits,
		Stages:         stages,
		LearningOff:    opts.DisableLearning,
	})

	f.metrics.FetchesTotal.WithLabelValues(string(res.FinalTier), "success").Inc()
	if res.FellBack {
		f.metrics.Fallbacks.Inc()
	}
	f.metrics.FetchDuration.Observe(float64(res.Metadata.LoadTimeMs) / 1000)
	f.metrics.CostUnits.Add(float64(res.CostUnits))

	f.tracer.RecordMetric("fetch.cost_units", float64(res.CostUnits), map[string]string{
		"domain": domain,
		"tier":   string(res.FinalTier),
	})
}

// emitEvent hands the event to the sink. Sink panics are contained:
// recording must never affect the fetch result.
func (f *Fetcher) emitEvent(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event sink panicked", zap.Any("panic", r), zap.String("url", ev.URL))
		}
	}()
	f.sink.ObserveFetch(ev)
}

func tiersOf(attempts []Attempt) []tier.Tier {
	out := make([]tier.Tier, len(attempts))
	for i, a := range attempts {
		out[i] = a.Tier
	}
	return out
}

func lastTier(attempts []Attempt) tier.Tier {
	if len(attempts) == 0 {
		return ""
	}
	return attempts[len(attempts)-1].Tier
}

func failureMessage(attempts []Attempt, class FailureClass) string {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Class == class && len(attempts[i].Reasons) > 0 {
			return attempts[i].Reasons[0]
		}
	}
	return fmt.Sprintf("all %d tiers exhausted", len(attempts))
}

// confidenceFor estimates extraction confidence from what the renderer
// produced.
func confidenceFor(r *render.Result) float64 {
	if r == nil {
		return 0
	}
	score := 0.25
	if utf8.RuneCountInString(r.Text) >= MinTextLength {
		score += 0.35
	}
	if render.MarkdownHasHeading(r.Markdown) {
		score += 0.25
	}
	if r.Title != "" {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}
