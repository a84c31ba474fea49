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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackURL_SetsBaseline(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)

	entry := tr.TrackURL("https://example.com/visa", "# Visa\n\nfee is 80 EUR", TrackOptions{
		Label: "visa page",
		Tags:  []string{"visa", "germany"},
	})

	assert.Equal(t, "visa page", entry.Label)
	assert.Equal(t, []string{"visa", "germany"}, entry.Tags)
	assert.NotEmpty(t, entry.Fingerprint.ContentHash)
	assert.NotZero(t, entry.CreatedAtMs)
	assert.Zero(t, entry.CheckCount)
}

func TestTrackURL_RetrackReplacesBaselineKeepsHistory(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	ctx := context.Background()

	tr.TrackURL("https://example.com/", "version one content here", TrackOptions{})
	res, err := tr.CheckForChanges(ctx, "https://example.com/", "# heading\n\nversion two content")
	require.NoError(t, err)
	require.True(t, res.HasChanged)

	entry := tr.TrackURL("https://example.com/", "fresh baseline", TrackOptions{Label: "relabeled"})
	assert.Equal(t, "relabeled", entry.Label)
	assert.Len(t, entry.History, 1)
}

func TestCheckForChanges_UntrackedURL(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)

	res, err := tr.CheckForChanges(context.Background(), "https://never.example.com/", "content")
	require.NoError(t, err)
	assert.False(t, res.IsTracked)
	assert.False(t, res.HasChanged)
	assert.Nil(t, res.Report)
}

func TestCheckForChanges_NoChange(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	ctx := context.Background()

	tr.TrackURL("https://example.com/", "stable content", TrackOptions{})

	res, err := tr.CheckForChanges(ctx, "https://example.com/", "stable   content")
	require.NoError(t, err)
	assert.True(t, res.IsTracked)
	assert.False(t, res.HasChanged)

	res, err = tr.CheckForChanges(ctx, "https://example.com/", "stable content")
	require.NoError(t, err)
	assert.False(t, res.HasChanged)
}

func TestCheckForChanges_TrackThenCheckIsNotFirstCheck(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)

	tr.TrackURL("https://example.com/", "stable content", TrackOptions{})

	res, err := tr.CheckForChanges(context.Background(), "https://example.com/", "stable content")
	require.NoError(t, err)
	assert.True(t, res.IsTracked)
	assert.False(t, res.IsFirstCheck)
	assert.False(t, res.HasChanged)
}

func TestCheckForChanges_MissingBaselineAdoptedOnFirstCheck(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	ctx := context.Background()

	// Entries persisted before a baseline was captured carry no fingerprint.
	tr.tracked["https://example.com/"] = &TrackedURL{URL: "https://example.com/"}

	res, err := tr.CheckForChanges(ctx, "https://example.com/", "adopted baseline content")
	require.NoError(t, err)
	assert.True(t, res.IsFirstCheck)
	assert.False(t, res.HasChanged)

	res, err = tr.CheckForChanges(ctx, "https://example.com/", "adopted baseline content")
	require.NoError(t, err)
	assert.False(t, res.IsFirstCheck)
	assert.False(t, res.HasChanged)
}

func TestCheckForChanges_ReportsAndAdvancesBaseline(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	ctx := context.Background()

	tr.TrackURL("https://example.com/", "the fee is 80 EUR", TrackOptions{})

	res, err := tr.CheckForChanges(ctx, "https://example.com/", "the fee is 90 EUR")
	require.NoError(t, err)
	require.True(t, res.HasChanged)
	require.NotNil(t, res.Report)

	// "fee" is a high-significance keyword.
	assert.Equal(t, SignificanceHigh, res.Report.Significance)
	require.NotNil(t, res.Report.OldKeyValues)
	assert.Equal(t, []string{"80 EUR"}, res.Report.OldKeyValues.Currency)
	assert.Equal(t, []string{"90 EUR"}, res.Report.NewKeyValues.Currency)
	assert.NotEmpty(t, res.Report.Diff)
	assert.NotZero(t, res.Report.DetectedAtMs)

	// The baseline advanced, so the same content is now unchanged.
	res, err = tr.CheckForChanges(ctx, "https://example.com/", "the fee is 90 EUR")
	require.NoError(t, err)
	assert.False(t, res.HasChanged)
}

func TestCheckForChanges_KeyValuesOmittedWhenEqual(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)

	tr.TrackURL("https://example.com/", "opening hours are nine to five", TrackOptions{})
	res, err := tr.CheckForChanges(context.Background(), "https://example.com/", "opening hours are ten to six")
	require.NoError(t, err)
	require.True(t, res.HasChanged)
	assert.Nil(t, res.Report.OldKeyValues)
	assert.Nil(t, res.Report.NewKeyValues)
}

func TestCheckForChanges_ExtraKeywords(t *testing.T) {
	tr, err := NewTracker("", WithExtraKeywords("schengen"))
	require.NoError(t, err)

	tr.TrackURL("https://example.com/", "plain travel information goes here today", TrackOptions{})
	res, err := tr.CheckForChanges(context.Background(),
		"https://example.com/", "plain travel information goes here today\n\nnew schengen entry rules")
	require.NoError(t, err)
	require.True(t, res.HasChanged)
	assert.Equal(t, SignificanceHigh, res.Report.Significance)
}

func TestUntrackURL(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)

	tr.TrackURL("https://example.com/", "content", TrackOptions{})
	assert.True(t, tr.UntrackURL("https://example.com/"))
	assert.False(t, tr.UntrackURL("https://example.com/"))

	res, err := tr.CheckForChanges(context.Background(), "https://example.com/", "content")
	require.NoError(t, err)
	assert.False(t, res.IsTracked)
}

func TestGetChangeHistory_NewestFirstWithLimit(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	ctx := context.Background()

	tr.TrackURL("https://example.com/", "version 0 of the page content", TrackOptions{})
	for i := 1; i <= 4; i++ {
		_, err := tr.CheckForChanges(ctx, "https://example.com/",
			fmt.Sprintf("# v%d\n\nversion %d of the page content with extra words %d", i, i, i))
		require.NoError(t, err)
	}

	hist := tr.GetChangeHistory("https://example.com/", 2)
	require.Len(t, hist, 2)
	// Newest first: the last report's new fingerprint is the current baseline.
	entry := tr.ListTrackedURLs(ListFilter{})[0]
	assert.Equal(t, entry.Fingerprint.ContentHash, hist[0].NewFingerprint.ContentHash)

	assert.Nil(t, tr.GetChangeHistory("https://absent.example.com/", 5))
}

func TestListTrackedURLs_Filters(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	ctx := context.Background()

	tr.TrackURL("https://a.example.com/", "alpha content for the first page", TrackOptions{Tags: []string{"visa"}})
	tr.TrackURL("https://b.example.com/", "beta content for the second page", TrackOptions{Tags: []string{"news"}})

	// Give a.example.com a high-significance latest change.
	_, err = tr.CheckForChanges(ctx, "https://a.example.com/", "# new\n\na required permit fee applies")
	require.NoError(t, err)

	all := tr.ListTrackedURLs(ListFilter{})
	assert.Len(t, all, 2)

	tagged := tr.ListTrackedURLs(ListFilter{Tag: "visa"})
	require.Len(t, tagged, 1)
	assert.Equal(t, "https://a.example.com/", tagged[0].URL)

	high := tr.ListTrackedURLs(ListFilter{Significance: SignificanceHigh})
	require.Len(t, high, 1)
	assert.Equal(t, "https://a.example.com/", high[0].URL)

	assert.Empty(t, tr.ListTrackedURLs(ListFilter{Significance: SignificanceLow}))
}

func TestStats(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	ctx := context.Background()

	tr.TrackURL("https://a.example.com/", "first page baseline content", TrackOptions{})
	tr.TrackURL("https://b.example.com/", "second page baseline content", TrackOptions{})

	_, err = tr.CheckForChanges(ctx, "https://a.example.com/", "first page baseline content")
	require.NoError(t, err)
	_, err = tr.CheckForChanges(ctx, "https://a.example.com/", "# changed\n\na required fee applies now")
	require.NoError(t, err)

	s := tr.Stats()
	assert.Equal(t, 2, s.TrackedURLs)
	assert.Equal(t, 2, s.TotalChecks)
	assert.Equal(t, 1, s.TotalChanges)
	assert.Equal(t, 1, s.BySignificance[SignificanceHigh])
}

func TestTrackerPersistenceRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.json")
	ctx := context.Background()

	tr, err := NewTracker(path)
	require.NoError(t, err)
	tr.TrackURL("https://example.com/", "persisted baseline content", TrackOptions{Label: "home"})
	_, err = tr.CheckForChanges(ctx, "https://example.com/", "# new\n\nchanged persisted content")
	require.NoError(t, err)
	require.NoError(t, tr.Close(ctx))

	reopened, err := NewTracker(path)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	urls := reopened.ListTrackedURLs(ListFilter{})
	require.Len(t, urls, 1)
	assert.Equal(t, "home", urls[0].Label)
	assert.Equal(t, 1, urls[0].CheckCount)
	require.Len(t, urls[0].History, 1)

	// The reloaded baseline still detects no change for current content.
	res, err := reopened.CheckForChanges(ctx, "https://example.com/", "# new\n\nchanged persisted content")
	require.NoError(t, err)
	assert.False(t, res.HasChanged)
}
