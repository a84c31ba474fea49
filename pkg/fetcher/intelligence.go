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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/quarryhq/quarry/pkg/render"
	"github.com/quarryhq/quarry/pkg/tier"
)

// userAgent is the desktop UA sent by the HTTP tiers.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// maxRedirects bounds redirect chains on the HTTP tiers.
const maxRedirects = 5

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20 // 10 MiB

// newHTTPClient builds the shared client for the HTTP tiers.
func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// page is the raw outcome of one HTTP GET, decoded to UTF-8.
type page struct {
	finalURL    *url.URL
	html        string
	status      int
	contentType string
	networkMs   int64
}

// fetchPage performs the GET shared by the intelligence and lightweight
// tiers: modern desktop UA, bounded redirects, charset decode per
// Content-Type with UTF-8 default.
func fetchPage(ctx context.Context, client *http.Client, u *url.URL) (*page, *classifiedError) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &classifiedError{class: ClassUnknown, err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &classifiedError{class: classifyTransportError(err), err: err}
	}
	defer resp.Body.Close()

	if class := classifyStatus(resp.StatusCode); class != "" {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, &classifiedError{
			class: class,
			err:   fmt.Errorf("HTTP %d from %s", resp.StatusCode, u.Host),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), contentType)
	if err != nil {
		// Unknown charset: fall back to the raw bytes as UTF-8.
		reader = io.LimitReader(resp.Body, maxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &classifiedError{class: classifyTransportError(err), err: err}
	}

	finalURL := u
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &page{
		finalURL:    finalURL,
		html:        string(body),
		status:      resp.StatusCode,
		contentType: contentType,
		networkMs:   time.Since(start).Milliseconds(),
	}, nil
}

// classifiedError pairs an error with its cascade failure class.
type classifiedError struct {
	class FailureClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// botChallengeInBody looks for challenge pages served with a 200.
func botChallengeInBody(html string) bool {
	lower := strings.ToLower(html)
	return strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-challenge") ||
		strings.Contains(lower, "just a moment...")
}

// IntelligenceFetcher is the cheapest tier: a single GET plus a static
// HTML parse. Scripts on the page are never executed.
type IntelligenceFetcher struct {
	client   *http.Client
	renderer render.Renderer
}

// NewIntelligenceFetcher creates the static-parse tier.
func NewIntelligenceFetcher(renderer render.Renderer) *IntelligenceFetcher {
	return &IntelligenceFetcher{
		client:   newHTTPClient(),
		renderer: renderer,
	}
}

// Tier implements TierFetcher.
func (f *IntelligenceFetcher) Tier() tier.Tier { return tier.Intelligence }

// Fetch implements TierFetcher.
func (f *IntelligenceFetcher) Fetch(ctx context.Context, u *url.URL, opts Options) (*TierResult, error) {
	pg, cerr := fetchPage(ctx, f.client, u)
	if cerr != nil {
		return nil, cerr
	}
	if botChallengeInBody(pg.html) {
		return nil, &classifiedError{
			class: ClassBotChallenge,
			err:   fmt.Errorf("bot challenge page from %s", u.Host),
		}
	}

	parseStart := time.Now()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pg.html))
	if err != nil {
		return nil, &classifiedError{class: ClassUnknown, err: fmt.Errorf("failed to parse HTML: %w", err)}
	}
	parsingMs := time.Since(parseStart).Milliseconds()

	extractStart := time.Now()
	rendered, err := f.renderer.Render(doc, pg.finalURL)
	if err != nil {
		return nil, &classifiedError{class: ClassSelector, err: fmt.Errorf("render failed: %w", err)}
	}

	apis := make([]DiscoveredAPI, 0, len(rendered.APIHints))
	for _, h := range rendered.APIHints {
		apis = append(apis, DiscoveredAPI{
			Method:             h.Method,
			URL:                h.URL,
			ContentType:        h.ContentType,
			ObservedDuringTier: tier.Intelligence,
		})
	}

	return &TierResult{
		FinalURL: pg.finalURL.String(),
		HTML:     pg.html,
		Rendered: rendered,
		APIs:     apis,
		Stages: StageTimings{
			NetworkMs:    pg.networkMs,
			ParsingMs:    parsingMs,
			ExtractionMs: time.Since(extractStart).Milliseconds(),
		},
	}, nil
}

// TierFetcher runs one tier of the cascade.
type TierFetcher interface {
	Tier() tier.Tier
	Fetch(ctx context.Context, u *url.URL, opts Options) (*TierResult, error)
}

var _ TierFetcher = (*IntelligenceFetcher)(nil)
