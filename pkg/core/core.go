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

// Package core assembles the fetch engine: the tier cascade wired to
// the learning store, usage meter, performance tracker, pattern health
// tracker and content change tracker, plus batch orchestration.
//
// Store updates for a single fetch are sequenced learning, then usage,
// then performance, so a reader pulling both learning and usage sees
// consistent cause and effect.
package core

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarryhq/quarry/pkg/batch"
	"github.com/quarryhq/quarry/pkg/changes"
	"github.com/quarryhq/quarry/pkg/fetcher"
	"github.com/quarryhq/quarry/pkg/health"
	"github.com/quarryhq/quarry/pkg/learning"
	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/perf"
	"github.com/quarryhq/quarry/pkg/persist"
	"github.com/quarryhq/quarry/pkg/session"
	"github.com/quarryhq/quarry/pkg/tier"
	"github.com/quarryhq/quarry/pkg/usage"
)

// Config wires an Engine.
type Config struct {
	// DataDir holds the persistence files (learning.json, usage.json,
	// changes.json). Empty keeps all stores memory-only.
	DataDir string

	// Browser is the optional playwright adapter; nil disables the
	// browser tier.
	Browser fetcher.BrowserAdapter

	// ScriptBudget bounds inline script execution on the lightweight
	// tier. Zero uses the default.
	ScriptBudget time.Duration

	// OverridesPath is an optional YAML file of per-domain validator
	// overrides, hot reloaded while the engine runs.
	OverridesPath string

	// HealthThresholds tune the pattern health tracker. Zero fields
	// take defaults.
	HealthThresholds health.Thresholds

	// Tracer instruments all components. Nil uses the no-op tracer.
	Tracer observability.Tracer

	// Registry receives the Prometheus collectors when non-nil.
	Registry prometheus.Registerer

	// SessionBackend selects the storage backend for browser session
	// profiles. Empty uses the file backend.
	SessionBackend persist.BackendType

	// AllowPrivateHosts disables SSRF checks. Development and test use
	// only.
	AllowPrivateHosts bool

	// ExtraChangeKeywords extends the high-significance keyword set of
	// the change tracker.
	ExtraChangeKeywords []string
}

// Engine is the assembled fetch engine.
type Engine struct {
	fetcher      *fetcher.Fetcher
	orchestrator *batch.Orchestrator
	learning     *learning.Store
	usage        *usage.Meter
	perf         *perf.Tracker
	health       *health.Tracker
	changes      *changes.Tracker
	sessions     *session.Store
	kv           persist.KVStore
	tracer       observability.Tracer

	watcher *overridesWatcher
	monitor *monitor
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}

	var learningPath, usagePath, changesPath string
	if cfg.DataDir != "" {
		learningPath = filepath.Join(cfg.DataDir, "learning.json")
		usagePath = filepath.Join(cfg.DataDir, "usage.json")
		changesPath = filepath.Join(cfg.DataDir, "changes.json")
	}

	store, err := learning.NewStore(learningPath, tracer)
	if err != nil {
		return nil, err
	}
	meter, err := usage.NewMeter(usagePath)
	if err != nil {
		return nil, err
	}
	changeTracker, err := changes.NewTracker(changesPath,
		changes.WithTracer(tracer),
		changes.WithExtraKeywords(cfg.ExtraChangeKeywords...))
	if err != nil {
		return nil, err
	}

	var kv persist.KVStore
	var sessions *session.Store
	if cfg.DataDir != "" {
		kv, err = persist.NewKVStore(persist.KVConfig{
			Backend: cfg.SessionBackend,
			Dir:     cfg.DataDir,
		})
		if err != nil {
			return nil, err
		}
		sessions = session.NewStore(kv)
	}

	e := &Engine{
		learning: store,
		usage:    meter,
		sessions: sessions,
		kv:       kv,
		perf:     perf.NewTracker(0),
		health:   health.NewTracker(cfg.HealthThresholds, tracer),
		changes:  changeTracker,
		tracer:   tracer,
	}

	e.fetcher = fetcher.New(fetcher.Config{
		Browser:           cfg.Browser,
		ScriptBudget:      cfg.ScriptBudget,
		Preferences:       store,
		Sink:              e,
		Tracer:            tracer,
		AllowPrivateHosts: cfg.AllowPrivateHosts,
	})
	e.orchestrator = batch.NewOrchestrator(e.fetcher, tracer)

	if cfg.Registry != nil {
		for _, c := range e.fetcher.Metrics().Collectors() {
			if err := cfg.Registry.Register(c); err != nil {
				return nil, err
			}
		}
	}

	if cfg.OverridesPath != "" {
		w, err := watchOverrides(cfg.OverridesPath, e.fetcher.Validator())
		if err != nil {
			return nil, err
		}
		e.watcher = w
	}
	return e, nil
}

// Fetch runs the tier cascade for one URL.
func (e *Engine) Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.FetchResult, error) {
	return e.fetcher.Fetch(ctx, rawURL, opts)
}

// BatchBrowse fans out URLs with bounded concurrency.
func (e *Engine) BatchBrowse(ctx context.Context, urls []string, browse fetcher.Options, opts batch.Options) []batch.Result {
	return e.orchestrator.BatchBrowse(ctx, urls, browse, opts)
}

// ObserveFetch fans one fetch event out to the stores. Learning is
// updated first, then usage, then performance and pattern health.
func (e *Engine) ObserveFetch(ev fetcher.Event) {
	if !ev.LearningOff {
		if ev.Success {
			e.learning.RecordSuccess(ev.Domain, ev.FinalTier, ev.DurationMs, ev.ContentLength)
		} else {
			e.learning.RecordFailure(ev.Domain, string(ev.FailureClass), ev.FailureMessage)
		}
	}

	e.usage.Record(usage.Event{
		Domain:         ev.Domain,
		URL:            ev.URL,
		FinalTier:      ev.FinalTier,
		Success:        ev.Success,
		DurationMs:     ev.DurationMs,
		TiersAttempted: ev.TiersAttempted,
		FellBack:       ev.FellBack,
		TenantID:       ev.TenantID,
		CostUnits:      ev.CostUnits,
	})

	recordTier := ev.FinalTier
	if recordTier == "" && len(ev.TiersAttempted) > 0 {
		recordTier = ev.TiersAttempted[len(ev.TiersAttempted)-1]
	}
	if recordTier == "" {
		recordTier = tier.Intelligence
	}
	e.perf.Record(ev.Domain, recordTier, ev.Success, ev.DurationMs)
	e.perf.RecordComponent(perf.ComponentNetwork, ev.Stages.NetworkMs)
	e.perf.RecordComponent(perf.ComponentParsing, ev.Stages.ParsingMs)
	e.perf.RecordComponent(perf.ComponentJSExecution, ev.Stages.JSExecutionMs)
	e.perf.RecordComponent(perf.ComponentExtraction, ev.Stages.ExtractionMs)

	if endpoint := endpointOf(ev.URL); endpoint != "" {
		if ev.Success {
			e.health.RecordSuccess(ev.Domain, endpoint)
		} else {
			e.health.RecordFailure(ev.Domain, endpoint)
		}
	}
}

// endpointOf reduces a URL to its path for pattern health keying.
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// Learning exposes the domain learning store.
func (e *Engine) Learning() *learning.Store { return e.learning }

// Usage exposes the usage meter.
func (e *Engine) Usage() *usage.Meter { return e.usage }

// Perf exposes the performance tracker.
func (e *Engine) Perf() *perf.Tracker { return e.perf }

// Health exposes the pattern health tracker.
func (e *Engine) Health() *health.Tracker { return e.health }

// Changes exposes the content change tracker.
func (e *Engine) Changes() *changes.Tracker { return e.changes }

// Fetcher exposes the underlying cascade fetcher.
func (e *Engine) Fetcher() *fetcher.Fetcher { return e.fetcher }

// Sessions exposes the browser session profile store. Nil when the
// engine runs memory-only.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// StartMonitor begins periodic re-checking of tracked URLs on the
// given cron schedule.
func (e *Engine) StartMonitor(schedule string) error {
	if e.monitor != nil {
		return errors.New("monitor already running")
	}
	m, err := startMonitor(schedule, e)
	if err != nil {
		return err
	}
	e.monitor = m
	return nil
}

// Flush drains every store's pending debounced save.
func (e *Engine) Flush(ctx context.Context) error {
	errs := []error{
		e.learning.Flush(ctx),
		e.usage.Flush(ctx),
		e.changes.Flush(ctx),
	}
	if e.kv != nil {
		errs = append(errs, e.kv.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Close stops background work and flushes all stores.
func (e *Engine) Close(ctx context.Context) error {
	if e.monitor != nil {
		e.monitor.stop()
		e.monitor = nil
	}
	if e.watcher != nil {
		e.watcher.stop()
		e.watcher = nil
	}
	errs := []error{
		e.learning.Close(ctx),
		e.usage.Close(ctx),
		e.changes.Close(ctx),
	}
	if e.kv != nil {
		errs = append(errs, e.kv.Close())
	}
	return errors.Join(errs...)
}
