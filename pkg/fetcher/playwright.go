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
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/quarryhq/quarry/pkg/render"
	"github.com/quarryhq/quarry/pkg/tier"
)

// DefaultNavigationTimeout is the browser navigation budget when the
// caller sets none.
const DefaultNavigationTimeout = 30 * time.Second

// NetworkRequest is one request the browser observed while loading.
type NetworkRequest struct {
	Method               string            `json:"method"`
	URL                  string            `json:"url"`
	Status               int               `json:"status"`
	ContentType          string            `json:"contentType,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
	ResponseBodyFragment string            `json:"responseBodyFragment,omitempty"`
}

// BrowserRender is the adapter's output for one navigation.
type BrowserRender struct {
	FinalURL        string
	HTML            string
	NetworkRequests []NetworkRequest
	ConsoleMessages []string
}

// BrowserOptions configure one browser navigation.
type BrowserOptions struct {
	NavigationTimeout time.Duration
	SessionProfile    string
}

// BrowserAdapter is the external headless-browser plug. It is optional:
// when absent the playwright tier is elided from the cascade.
type BrowserAdapter interface {
	Render(ctx context.Context, url string, opts BrowserOptions) (*BrowserRender, error)
}

// PlaywrightFetcher is the most expensive tier: a full headless browser
// behind the adapter contract. The produced HTML still goes through the
// same parse and render pipeline so markdown stays consistent across
// tiers.
type PlaywrightFetcher struct {
	adapter  BrowserAdapter
	renderer render.Renderer
}

// NewPlaywrightFetcher wraps a browser adapter. Passing nil returns nil,
// which the cascade reads as "tier unavailable".
func NewPlaywrightFetcher(adapter BrowserAdapter, renderer render.Renderer) *PlaywrightFetcher {
	if adapter == nil {
		return nil
	}
	return &PlaywrightFetcher{adapter: adapter, renderer: renderer}
}

// Tier implements TierFetcher.
func (f *PlaywrightFetcher) Tier() tier.Tier { return tier.Playwright }

// Fetch implements TierFetcher.
func (f *PlaywrightFetcher) Fetch(ctx context.Context, u *url.URL, opts Options) (*TierResult, error) {
	navTimeout := DefaultNavigationTimeout
	if opts.PerTierTimeoutMs > 0 {
		navTimeout = time.Duration(opts.PerTierTimeoutMs) * time.Millisecond
	}

	netStart := time.Now()
	out, err := f.adapter.Render(ctx, u.String(), BrowserOptions{
		NavigationTimeout: navTimeout,
		SessionProfile:    opts.SessionProfile,
	})
	if err != nil {
		class := classifyTransportError(err)
		if class == ClassUnknown || class == ClassFatalNetwork {
			// An unreachable browser target is a navigation timeout as
			// far as the cascade is concerned.
			class = ClassTimeout
		}
		return nil, &classifiedError{class: class, err: fmt.Errorf("browser render failed: %w", err)}
	}
	networkMs := time.Since(netStart).Milliseconds()

	parseStart := time.Now()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(out.HTML))
	if err != nil {
		return nil, &classifiedError{class: ClassUnknown, err: fmt.Errorf("failed to parse browser HTML: %w", err)}
	}
	parsingMs := time.Since(parseStart).Milliseconds()

	finalURL := u
	if out.FinalURL != "" {
		if parsed, err := url.Parse(out.FinalURL); err == nil {
			finalURL = parsed
		}
	}

	extractStart := time.Now()
	rendered, err := f.renderer.Render(doc, finalURL)
	if err != nil {
		return nil, &classifiedError{class: ClassSelector, err: fmt.Errorf("render failed: %w", err)}
	}

	apis := make([]DiscoveredAPI, 0, len(out.NetworkRequests)+len(rendered.APIHints))
	for _, req := range out.NetworkRequests {
		if !looksLikeAPI(req) {
			continue
		}
		apis = append(apis, DiscoveredAPI{
			Method:             req.Method,
			URL:                req.URL,
			Status:             req.Status,
			ContentType:        req.ContentType,
			ObservedDuringTier: tier.Playwright,
		})
	}
	for _, h := range rendered.APIHints {
		apis = append(apis, DiscoveredAPI{
			Method:             h.Method,
			URL:                h.URL,
			ContentType:        h.ContentType,
			ObservedDuringTier: tier.Playwright,
		})
	}

	return &TierResult{
		FinalURL: finalURL.String(),
		HTML:     out.HTML,
		Rendered: rendered,
		APIs:     apis,
		Stages: StageTimings{
			NetworkMs:    networkMs,
			ParsingMs:    parsingMs,
			ExtractionMs: time.Since(extractStart).Milliseconds(),
		},
	}, nil
}

// looksLikeAPI filters the browser's network log down to data endpoints.
func looksLikeAPI(req NetworkRequest) bool {
	ct := strings.ToLower(req.ContentType)
	if strings.Contains(ct, "json") || strings.Contains(ct, "xml") {
		return true
	}
	lower := strings.ToLower(req.URL)
	return strings.Contains(lower, "/api/") || strings.Contains(lower, "/graphql")
}

var _ TierFetcher = (*PlaywrightFetcher)(nil)
