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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/tier"
)

// recordingSink captures emitted fetch events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) ObserveFetch(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// fixedPrefs always prefers one tier.
type fixedPrefs struct{ t tier.Tier }

func (p fixedPrefs) PreferredTier(string) (tier.Tier, bool) { return p.t, p.t != "" }

func richPage(title string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head>
<body><article><h1>%s</h1><p>%s</p></article></body></html>`,
		title, title, strings.Repeat("Substantial static content. ", 20))
}

func testOptions() Options {
	return Options{AllowPrivateHosts: true}
}

func TestFetch_SucceedsAtIntelligence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, richPage("Static Page"))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	f := New(Config{Sink: sink, AllowPrivateHosts: true})

	res, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.NoError(t, err)

	assert.Equal(t, tier.Intelligence, res.FinalTier)
	assert.Equal(t, []tier.Tier{tier.Intelligence}, res.TiersAttempted)
	assert.False(t, res.FellBack)
	assert.Equal(t, 1, res.CostUnits)
	assert.Equal(t, "Static Page", res.Title)
	assert.Contains(t, res.Content.Markdown, "# Static Page")

	events := sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, tier.Intelligence, events[0].FinalTier)
	assert.Equal(t, 1, events[0].CostUnits)
}

func TestFetch_FallsBackToLightweight(t *testing.T) {
	// The static document is too thin to validate; an inline script
	// fills it in, so the JS-evaluating tier produces the content.
	page := `<html><head><title>App</title></head><body>
<div id="content">tiny</div>
<script>
var el = document.querySelector("#content");
el.innerHTML = "<h1>Rendered</h1><p>` + strings.Repeat("Script generated content. ", 20) + `</p>";
</script>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	f := New(Config{Sink: sink, AllowPrivateHosts: true})

	res, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.NoError(t, err)

	assert.Equal(t, tier.Lightweight, res.FinalTier)
	assert.Equal(t, []tier.Tier{tier.Intelligence, tier.Lightweight}, res.TiersAttempted)
	assert.True(t, res.FellBack)
	// Failed intelligence attempt charges half its cost, rounded up.
	assert.Equal(t, tier.Intelligence.PartialCostUnits()+tier.Lightweight.CostUnits(), res.CostUnits)
	assert.Contains(t, res.Content.Text, "Script generated content.")
}

func TestFetch_ForcedTierSkipsCascade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, richPage("Forced"))
	}))
	defer srv.Close()

	f := New(Config{AllowPrivateHosts: true})
	opts := testOptions()
	opts.Tier = tier.Lightweight

	res, err := f.Fetch(context.Background(), srv.URL, opts)
	require.NoError(t, err)
	assert.Equal(t, tier.Lightweight, res.FinalTier)
	assert.Equal(t, []tier.Tier{tier.Lightweight}, res.TiersAttempted)
	assert.Equal(t, tier.Lightweight.CostUnits(), res.CostUnits)
}

func TestFetch_ForcedPlaywrightUnavailable(t *testing.T) {
	f := New(Config{AllowPrivateHosts: true})
	opts := testOptions()
	opts.Tier = tier.Playwright

	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/", opts)
	require.Error(t, err)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, fe.Kind)
	assert.Contains(t, fe.Message, "playwright_unavailable")
}

func TestFetch_PlaywrightUnavailableWhenCascadeWouldEscalate(t *testing.T) {
	// Thin content fails validation on both non-browser tiers; without a
	// browser adapter the cascade cannot escalate further.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><div>tiny</div></body></html>")
	}))
	defer srv.Close()

	f := New(Config{AllowPrivateHosts: true})

	_, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.Error(t, err)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, fe.Kind)
	assert.Equal(t, "playwright_unavailable", fe.Message)
	assert.Len(t, fe.Attempts, 2)
}

func TestFetch_EmitsCascadeSpans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, richPage("Traced"))
	}))
	defer srv.Close()

	mt := observability.NewMockTracer()
	f := New(Config{Tracer: mt, AllowPrivateHosts: true})

	_, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.NoError(t, err)

	cascade := mt.SpansNamed(observability.SpanFetcherCascade)
	require.Len(t, cascade, 1)
	assert.Equal(t, observability.StatusOK, cascade[0].Status.Code)
	assert.Equal(t, string(tier.Intelligence), cascade[0].Attributes[observability.AttrFetchFinalTier])

	tiers := mt.SpansNamed(observability.SpanFetcherTier)
	require.Len(t, tiers, 1)
	assert.Equal(t, cascade[0].SpanID, tiers[0].ParentID)
	assert.Equal(t, string(tier.Intelligence), tiers[0].Attributes[observability.AttrFetchTier])

	metrics := mt.Metrics()
	require.NotEmpty(t, metrics)
	assert.Equal(t, "fetch.cost_units", metrics[0].Name)
	assert.Equal(t, 1.0, metrics[0].Value)
}

func TestFetch_PreferredTierGoesFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, richPage("Preferred"))
	}))
	defer srv.Close()

	f := New(Config{
		Preferences:       fixedPrefs{t: tier.Lightweight},
		AllowPrivateHosts: true,
	})

	res, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.NoError(t, err)
	assert.Equal(t, tier.Lightweight, res.FinalTier)
	assert.False(t, res.FellBack)
}

func TestFetch_DisableLearningIgnoresPreference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, richPage("NoLearning"))
	}))
	defer srv.Close()

	f := New(Config{
		Preferences:       fixedPrefs{t: tier.Lightweight},
		AllowPrivateHosts: true,
	})
	opts := testOptions()
	opts.DisableLearning = true

	res, err := f.Fetch(context.Background(), srv.URL, opts)
	require.NoError(t, err)
	assert.Equal(t, tier.Intelligence, res.FinalTier)
}

func TestFetch_AuthFailureSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	f := New(Config{Sink: sink, AllowPrivateHosts: true})

	_, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.Error(t, err)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindAuth, fe.Kind)
	assert.NotEmpty(t, fe.Attempts)

	events := sink.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, ClassAuth, events[0].FailureClass)
}

func TestFetch_RateLimitSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(Config{AllowPrivateHosts: true})

	_, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.Error(t, err)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, fe.Kind)
}

func TestFetch_BotChallengeSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(Config{AllowPrivateHosts: true})

	_, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.Error(t, err)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindBotChallenge, fe.Kind)
}

func TestFetch_InvalidURLNeverTouchesNetwork(t *testing.T) {
	sink := &recordingSink{}
	f := New(Config{Sink: sink})

	_, err := f.Fetch(context.Background(), "http://127.0.0.1/secret", Options{})
	require.Error(t, err)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidURL, fe.Kind)
	assert.Empty(t, sink.all())
}

func TestFetch_SkipValidationAcceptsThinContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><div>tiny</div></body></html>")
	}))
	defer srv.Close()

	f := New(Config{AllowPrivateHosts: true})
	opts := testOptions()
	opts.SkipValidation = true

	res, err := f.Fetch(context.Background(), srv.URL, opts)
	require.NoError(t, err)
	assert.Equal(t, tier.Intelligence, res.FinalTier)
}

func TestFetch_PanickingSinkDoesNotFailFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, richPage("Panics"))
	}))
	defer srv.Close()

	f := New(Config{Sink: panickingSink{}, AllowPrivateHosts: true})

	res, err := f.Fetch(context.Background(), srv.URL, testOptions())
	require.NoError(t, err)
	assert.Equal(t, tier.Intelligence, res.FinalTier)
}

type panickingSink struct{}

func (panickingSink) ObserveFetch(Event) { panic("sink exploded") }
