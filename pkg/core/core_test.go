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

package core

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/batch"
	"github.com/quarryhq/quarry/pkg/changes"
	"github.com/quarryhq/quarry/pkg/fetcher"
	"github.com/quarryhq/quarry/pkg/session"
	"github.com/quarryhq/quarry/pkg/tier"
	"github.com/quarryhq/quarry/pkg/usage"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.AllowPrivateHosts = true
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func contentPage() string {
	return `<html><head><title>Visa</title></head><body><main><h1>Visa</h1><p>` +
		strings.Repeat("Everything you need to know about the fees. ", 10) + `</p></main></body></html>`
}

func TestObserveFetch_SuccessFansOutToAllStores(t *testing.T) {
	e := newTestEngine(t, Config{})

	e.ObserveFetch(fetcher.Event{
		URL:            "https://example.com/visa",
		Domain:         "example.com",
		Success:        true,
		FinalTier:      tier.Lightweight,
		TiersAttempted: []tier.Tier{tier.Intelligence, tier.Lightweight},
		FellBack:       true,
		DurationMs:     140,
		ContentLength:  5000,
		CostUnits:      6,
		Stages:         fetcher.StageTimings{NetworkMs: 80, ParsingMs: 20, JSExecutionMs: 30, ExtractionMs: 10},
	})

	p, ok := e.Learning().Preference("example.com")
	require.True(t, ok)
	assert.Equal(t, tier.Lightweight, p.PreferredTier)
	assert.Equal(t, 1, p.SuccessCount)

	s, err := e.Usage().Summary(context.Background(), usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, int64(6), s.TotalCost)

	dp := e.Perf().GetDomainPerformance("example.com")
	require.NotNil(t, dp.ByTier[tier.Lightweight])
	assert.Equal(t, int64(1), dp.ByTier[tier.Lightweight].Count)

	breakdown := e.Perf().GetComponentBreakdown()
	assert.Contains(t, breakdown, "network")
	assert.Contains(t, breakdown, "jsExecution")

	hp, ok := e.Health().Pattern("example.com", "/visa")
	require.True(t, ok)
	assert.Equal(t, 1, hp.SampleSize)
}

func TestObserveFetch_FailureRecordsEverywhere(t *testing.T) {
	e := newTestEngine(t, Config{})

	e.ObserveFetch(fetcher.Event{
		URL:            "https://example.com/visa",
		Domain:         "example.com",
		Success:        false,
		TiersAttempted: []tier.Tier{tier.Intelligence, tier.Lightweight},
		DurationMs:     900,
		CostUnits:      6,
		FailureClass:   fetcher.ClassTimeout,
		FailureMessage: "deadline elapsed",
	})

	p, ok := e.Learning().Preference("example.com")
	require.True(t, ok)
	assert.Equal(t, 1, p.FailureCount)

	s, err := e.Usage().Summary(context.Background(), usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, float64(0), s.SuccessRate)

	// No final tier: the last attempted tier takes the sample.
	dp := e.Perf().GetDomainPerformance("example.com")
	require.NotNil(t, dp.ByTier[tier.Lightweight])
	assert.Equal(t, int64(1), dp.ByTier[tier.Lightweight].Failures)

	hp, ok := e.Health().Pattern("example.com", "/visa")
	require.True(t, ok)
	assert.Equal(t, 1, hp.ConsecutiveFailures)
}

func TestObserveFetch_LearningOffSkipsLearningOnly(t *testing.T) {
	e := newTestEngine(t, Config{})

	e.ObserveFetch(fetcher.Event{
		URL:         "https://example.com/",
		Domain:      "example.com",
		Success:     true,
		FinalTier:   tier.Intelligence,
		LearningOff: true,
		CostUnits:   1,
	})

	_, ok := e.Learning().Preference("example.com")
	assert.False(t, ok)

	s, err := e.Usage().Summary(context.Background(), usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalRequests)
}

func TestEndpointOf(t *testing.T) {
	assert.Equal(t, "/visa/fees", endpointOf("https://example.com/visa/fees"))
	assert.Equal(t, "/", endpointOf("https://example.com"))
	assert.Equal(t, "/", endpointOf("https://example.com/"))
}

func TestEngineFetch_EndToEndUpdatesStores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, contentPage())
	}))
	defer srv.Close()

	e := newTestEngine(t, Config{})

	res, err := e.Fetch(context.Background(), srv.URL+"/visa", fetcher.Options{})
	require.NoError(t, err)
	assert.Equal(t, tier.Intelligence, res.FinalTier)

	p, ok := e.Learning().Preference("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, tier.Intelligence, p.PreferredTier)

	s, err := e.Usage().Summary(context.Background(), usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, int64(1), s.TotalCost)

	hp, ok := e.Health().Pattern("127.0.0.1", "/visa")
	require.True(t, ok)
	assert.Equal(t, 1.0, hp.SuccessRate)
}

func TestEngineBatchBrowse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, contentPage())
	}))
	defer srv.Close()

	e := newTestEngine(t, Config{})

	results := e.BatchBrowse(context.Background(),
		[]string{srv.URL + "/a", srv.URL + "/b"}, fetcher.Options{}, batch.Options{})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, batch.StatusSuccess, r.Status)
	}

	s, err := e.Usage().Summary(context.Background(), usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.TotalRequests)
}

func TestEngineWithDataDirPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := New(Config{DataDir: dir, AllowPrivateHosts: true})
	require.NoError(t, err)

	e.ObserveFetch(fetcher.Event{
		URL:       "https://example.com/",
		Domain:    "example.com",
		Success:   true,
		FinalTier: tier.Lightweight,
		CostUnits: 5,
	})
	e.Changes().TrackURL("https://example.com/", "baseline content for the page", changes.TrackOptions{})
	require.NoError(t, e.Sessions().Put(ctx, &session.Profile{Name: "crawler-1"}))
	require.NoError(t, e.Close(ctx))

	reopened, err := New(Config{DataDir: dir, AllowPrivateHosts: true})
	require.NoError(t, err)
	defer reopened.Close(ctx)

	p, ok := reopened.Learning().Preference("example.com")
	require.True(t, ok)
	assert.Equal(t, tier.Lightweight, p.PreferredTier)

	s, err := reopened.Usage().Summary(ctx, usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalRequests)

	assert.Len(t, reopened.Changes().ListTrackedURLs(changes.ListFilter{}), 1)

	_, found, err := reopened.Sessions().Get(ctx, "crawler-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	newTestEngine(t, Config{Registry: reg})

	_, err := reg.Gather()
	require.NoError(t, err)

	// A second engine on the same registry collides on collector names.
	_, err = New(Config{Registry: reg, AllowPrivateHosts: true})
	assert.Error(t, err)
}
