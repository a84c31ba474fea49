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

package learning

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/tier"
)

func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("", nil)
	require.NoError(t, err)
	return s
}

func TestRecordSuccess_AdoptsFirstTier(t *testing.T) {
	s := newMemStore(t)
	s.RecordSuccess("example.com", tier.Lightweight, 120, 5000)

	p, ok := s.Preference("example.com")
	require.True(t, ok)
	assert.Equal(t, tier.Lightweight, p.PreferredTier)
	assert.Equal(t, 1, p.SuccessCount)
	assert.Equal(t, float64(120), p.AvgResponseTimeMs)
	assert.NotZero(t, p.LastUsedAtMs)
}

func TestRecordSuccess_EMASmoothing(t *testing.T) {
	s := newMemStore(t)
	s.RecordSuccess("example.com", tier.Intelligence, 100, 0)
	s.RecordSuccess("example.com", tier.Intelligence, 200, 0)

	p, _ := s.Preference("example.com")
	// 0.2*200 + 0.8*100
	assert.InDelta(t, 120.0, p.AvgResponseTimeMs, 0.001)
}

func TestDemotion_RequiresUnbrokenRun(t *testing.T) {
	s := newMemStore(t)
	require.NoError(t, s.SetDomainPreference("example.com", tier.Playwright))

	// Four successes on the cheaper tier are not enough.
	for i := 0; i < 4; i++ {
		s.RecordSuccess("example.com", tier.Intelligence, 50, 0)
	}
	p, _ := s.Preference("example.com")
	assert.Equal(t, tier.Playwright, p.PreferredTier)

	// The fifth consecutive success demotes.
	s.RecordSuccess("example.com", tier.Intelligence, 50, 0)
	p, _ = s.Preference("example.com")
	assert.Equal(t, tier.Intelligence, p.PreferredTier)
}

func TestPromotion_AfterConsecutiveFailures(t *testing.T) {
	s := newMemStore(t)
	require.NoError(t, s.SetDomainPreference("example.com", tier.Intelligence))

	s.RecordFailure("example.com", "timeout", "deadline elapsed")
	s.RecordFailure("example.com", "timeout", "deadline elapsed")
	p, _ := s.Preference("example.com")
	assert.Equal(t, tier.Intelligence, p.PreferredTier)

	s.RecordFailure("example.com", "timeout", "deadline elapsed")
	p, _ = s.Preference("example.com")
	assert.Equal(t, tier.Lightweight, p.PreferredTier)
	assert.Equal(t, 0, p.ConsecutiveFailures)
	assert.Contains(t, p.LastFailureReason, "timeout")
}

func TestPromotion_SuccessResetsTheCount(t *testing.T) {
	s := newMemStore(t)
	require.NoError(t, s.SetDomainPreference("example.com", tier.Intelligence))

	s.RecordFailure("example.com", "timeout", "")
	s.RecordFailure("example.com", "timeout", "")
	s.RecordSuccess("example.com", tier.Intelligence, 80, 0)
	s.RecordFailure("example.com", "timeout", "")
	s.RecordFailure("example.com", "timeout", "")

	p, _ := s.Preference("example.com")
	assert.Equal(t, tier.Intelligence, p.PreferredTier)
}

func TestPromotion_TopTierStays(t *testing.T) {
	s := newMemStore(t)
	require.NoError(t, s.SetDomainPreference("example.com", tier.Playwright))

	for i := 0; i < 10; i++ {
		s.RecordFailure("example.com", "timeout", "")
	}
	p, _ := s.Preference("example.com")
	assert.Equal(t, tier.Playwright, p.PreferredTier)
}

func TestPreferredTier_UnknownDomain(t *testing.T) {
	s := newMemStore(t)
	_, ok := s.PreferredTier("never-seen.example.com")
	assert.False(t, ok)
}

func TestDomainsAreNormalized(t *testing.T) {
	s := newMemStore(t)
	s.RecordSuccess("  Example.COM ", tier.Intelligence, 10, 0)

	_, ok := s.Preference("example.com")
	assert.True(t, ok)
}

func TestPersistenceRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.json")
	ctx := context.Background()

	s, err := NewStore(path, nil)
	require.NoError(t, err)
	s.RecordSuccess("example.com", tier.Lightweight, 150, 0)
	s.RecordFailure("slow.example.com", "timeout", "deadline elapsed")
	require.NoError(t, s.Close(ctx))

	reopened, err := NewStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	p, ok := reopened.Preference("example.com")
	require.True(t, ok)
	assert.Equal(t, tier.Lightweight, p.PreferredTier)
	assert.Equal(t, 1, p.SuccessCount)

	p, ok = reopened.Preference("slow.example.com")
	require.True(t, ok)
	assert.Equal(t, 1, p.FailureCount)
}

func TestExportImport(t *testing.T) {
	s := newMemStore(t)
	s.RecordSuccess("example.com", tier.Intelligence, 90, 0)

	data, err := s.ExportPreferences()
	require.NoError(t, err)

	other := newMemStore(t)
	require.NoError(t, other.ImportState(data))

	p, ok := other.Preference("example.com")
	require.True(t, ok)
	assert.Equal(t, 1, p.SuccessCount)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := newMemStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordSuccess("example.com", tier.Intelligence, int64(j), 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Preference("example.com")
				s.PreferredTier("example.com")
			}
		}()
	}
	wg.Wait()

	p, ok := s.Preference("example.com")
	require.True(t, ok)
	assert.Equal(t, 800, p.SuccessCount)
}
