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

// Package batch fans out URL fetches with bounded concurrency while
// preserving input order in the results.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/quarryhq/quarry/internal/log"
	"github.com/quarryhq/quarry/pkg/fetcher"
	"github.com/quarryhq/quarry/pkg/observability"
)

// DefaultConcurrency caps parallel fetches when none is given.
const DefaultConcurrency = 3

const (
	skippedTimeout   = "Batch stopped due to timeout"
	skippedPrevError = "Batch stopped due to previous error"
)

// ResultStatus of one batch entry.
type ResultStatus string

const (
	StatusSuccess     ResultStatus = "success"
	StatusError       ResultStatus = "error"
	StatusRateLimited ResultStatus = "rate_limited"
	StatusSkipped     ResultStatus = "skipped"
)

// ErrorCode narrows error results.
type ErrorCode string

const (
	CodeInvalidURL  ErrorCode = "INVALID_URL"
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	CodeBrowseError ErrorCode = "BROWSE_ERROR"
)

// Options tune one batch run.
type Options struct {
	// Concurrency caps parallel fetches. Zero means DefaultConcurrency.
	Concurrency int
	// PerURLTimeoutMs is forwarded into each fetch as its timeout.
	PerURLTimeoutMs int
	// TotalTimeoutMs skips URLs whose tasks have not started when it
	// fires; in-flight fetches finish naturally.
	TotalTimeoutMs int
	// StopOnError stops launching new fetches after the first
	// non-success result.
	StopOnError bool
	// ContinueOnRateLimit keeps rate-limited results as their own
	// status instead of plain errors. Default true.
	ContinueOnRateLimit *bool
}

func (o Options) continueOnRateLimit() bool {
	if o.ContinueOnRateLimit == nil {
		return true
	}
	return *o.ContinueOnRateLimit
}

// Result is one entry of a batch answer, at its input index.
type Result struct {
	Index      int                  `json:"index"`
	URL        string               `json:"url"`
	Status     ResultStatus         `json:"status"`
	ErrorCode  ErrorCode            `json:"errorCode,omitempty"`
	Error      string               `json:"error,omitempty"`
	Result     *fetcher.FetchResult `json:"result,omitempty"`
	DurationMs int64                `json:"durationMs"`
}

// Orchestrator runs batches against a fetcher.
type Orchestrator struct {
	fetcher *fetcher.Fetcher
	tracer  observability.Tracer
}

// NewOrchestrator creates an orchestrator over f.
func NewOrchestrator(f *fetcher.Fetcher, tracer observability.Tracer) *Orchestrator {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Orchestrator{fetcher: f, tracer: tracer}
}

// BatchBrowse fetches every URL with bounded concurrency and returns
// results in input order. The context cancels everything, in-flight
// fetches included; the total timeout only skips not-yet-started tasks.
func (o *Orchestrator) BatchBrowse(ctx context.Context, urls []string, browse fetcher.Options, opts Options) []Result {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanBatchBrowse,
		observability.WithSpanKind("batch"))
	defer o.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrBatchSize, len(urls))

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	span.SetAttribute(observability.AttrBatchConcurrency, concurrency)
	if opts.PerURLTimeoutMs > 0 {
		browse.TimeoutMs = opts.PerURLTimeoutMs
	}

	// launchCtx bounds task launching only; in-flight fetches run on
	// the caller's ctx and finish naturally past the total timeout.
	launchCtx := ctx
	if opts.TotalTimeoutMs > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx,
			time.Duration(opts.TotalTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]Result, len(urls))
	var failed atomic.Bool
	var wg sync.WaitGroup

	for i, u := range urls {
		skipped := func(reason string) {
			results[i] = Result{Index: i, URL: u, Status: StatusSkipped, Error: reason}
		}

		if opts.StopOnError && failed.Load() {
			skipped(skippedPrevError)
			continue
		}
		if launchCtx.Err() != nil {
			skipped(skippedTimeout)
			continue
		}

		// Acquire before launching so the deadline can fire while the
		// task is still queued behind the semaphore.
		if err := sem.Acquire(launchCtx, 1); err != nil {
			skipped(skippedTimeout)
			continue
		}
		if opts.StopOnError && failed.Load() {
			sem.Release(1)
			skipped(skippedPrevError)
			continue
		}

		wg.Add(1)
		go func(idx int, rawURL string) {
			defer wg.Done()
			defer sem.Release(1)

			res := o.fetchOne(ctx, idx, rawURL, browse, opts)
			results[idx] = res
			if res.Status != StatusSuccess {
				failed.Store(true)
			}
		}(i, u)
	}

	wg.Wait()
	span.Status = observability.Status{Code: observability.StatusOK}
	return results
}

// fetchOne runs one task and maps its outcome to a batch result.
func (o *Orchestrator) fetchOne(ctx context.Context, idx int, rawURL string, browse fetcher.Options, opts Options) Result {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanBatchTask,
		observability.WithSpanKind("batch"),
		observability.WithAttribute(observability.AttrBatchIndex, idx),
		observability.WithAttribute(observability.AttrFetchURL, rawURL))
	defer o.tracer.EndSpan(span)

	start := time.Now()
	done := func(r Result) Result {
		r.Index = idx
		r.URL = rawURL
		r.DurationMs = time.Since(start).Milliseconds()
		if r.Status == StatusSuccess {
			span.Status = observability.Status{Code: observability.StatusOK}
		} else {
			span.Status = observability.Status{Code: observability.StatusError, Message: r.Error}
		}
		return r
	}

	// SSRF and scheme rejections never reach the fetcher.
	if _, err := o.fetcher.ValidateURL(ctx, rawURL, browse); err != nil {
		return done(Result{Status: StatusError, ErrorCode: CodeInvalidURL, Error: err.Error()})
	}

	res, err := o.fetcher.Fetch(ctx, rawURL, browse)
	if err == nil {
		return done(Result{Status: StatusSuccess, Result: res})
	}

	if fetcher.IsRateLimitMessage(err.Error()) {
		if opts.continueOnRateLimit() {
			return done(Result{Status: StatusRateLimited, ErrorCode: CodeRateLimited, Error: err.Error()})
		}
		return done(Result{Status: StatusError, ErrorCode: CodeBrowseError, Error: err.Error()})
	}

	log.Debug("batch fetch failed",
		zap.Int("index", idx),
		zap.String("url", rawURL),
		zap.Error(err))
	return done(Result{Status: StatusError, ErrorCode: CodeBrowseError, Error: err.Error()})
}
