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

package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	th := DefaultThresholds()

	cases := []struct {
		rate     float64
		failures int
		samples  int
		want     Status
	}{
		// Below the sample floor everything is healthy, even all-failures.
		{0.0, 4, 4, StatusHealthy},
		{0.0, 0, 0, StatusHealthy},

		// Consecutive failures dominate the rate.
		{0.9, 6, 20, StatusBroken},
		{0.9, 3, 20, StatusFailing},
		{0.9, 2, 20, StatusHealthy},

		// Rate bands.
		{0.7, 0, 20, StatusHealthy},
		{0.69, 0, 20, StatusDegraded},
		{0.5, 0, 20, StatusDegraded},
		{0.49, 0, 20, StatusFailing},
		{0.2, 0, 20, StatusFailing},
		{0.19, 0, 20, StatusBroken},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("rate=%.2f_fails=%d_n=%d", tc.rate, tc.failures, tc.samples), func(t *testing.T) {
			assert.Equal(t, tc.want, StatusOf(tc.rate, tc.failures, tc.samples, th))
		})
	}
}

func TestTracker_TransitionEmitsNotification(t *testing.T) {
	tr := NewTracker(Thresholds{}, nil)

	// Five successes then four failures: rate 5/9, but four consecutive
	// failures put the pattern in failing.
	for i := 0; i < 5; i++ {
		tr.RecordSuccess("example.com", "/visa")
	}
	for i := 0; i < 4; i++ {
		tr.RecordFailure("example.com", "/visa")
	}

	p, ok := tr.Pattern("example.com", "/visa")
	require.True(t, ok)
	assert.Equal(t, StatusFailing, p.Status)
	assert.Equal(t, 4, p.ConsecutiveFailures)
	assert.Equal(t, 9, p.SampleSize)
	assert.NotZero(t, p.DegradedSinceMs)
	assert.NotEmpty(t, p.SuggestedActions)

	notes := tr.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, StatusHealthy, notes[0].Previous)
	assert.Equal(t, StatusFailing, notes[0].Current)
	assert.NotEmpty(t, notes[0].ID)
	assert.Equal(t, PatternKey{Domain: "example.com", Endpoint: "/visa"}, notes[0].Key)
}

func TestTracker_NoNotificationWithoutTransition(t *testing.T) {
	tr := NewTracker(Thresholds{}, nil)
	for i := 0; i < 10; i++ {
		tr.RecordSuccess("example.com", "/")
	}
	assert.Empty(t, tr.Notifications())
}

func TestTracker_RecoveryClearsDegradedSince(t *testing.T) {
	tr := NewTracker(Thresholds{}, nil)

	for i := 0; i < 5; i++ {
		tr.RecordSuccess("example.com", "/")
	}
	for i := 0; i < 3; i++ {
		tr.RecordFailure("example.com", "/")
	}
	p, _ := tr.Pattern("example.com", "/")
	require.Equal(t, StatusFailing, p.Status)
	require.NotZero(t, p.DegradedSinceMs)

	// A success resets the failure streak; rate 6/9 is degraded, so the
	// degradation timestamp survives until the pattern is fully healthy.
	tr.RecordSuccess("example.com", "/")
	p, _ = tr.Pattern("example.com", "/")
	assert.Equal(t, StatusDegraded, p.Status)
	assert.NotZero(t, p.DegradedSinceMs)

	for i := 0; i < 6; i++ {
		tr.RecordSuccess("example.com", "/")
	}
	p, _ = tr.Pattern("example.com", "/")
	assert.Equal(t, StatusHealthy, p.Status)
	assert.Zero(t, p.DegradedSinceMs)
}

func TestTracker_BrokenAtDoubleThreshold(t *testing.T) {
	tr := NewTracker(Thresholds{}, nil)
	for i := 0; i < 5; i++ {
		tr.RecordSuccess("example.com", "/")
	}
	for i := 0; i < 6; i++ {
		tr.RecordFailure("example.com", "/")
	}

	p, _ := tr.Pattern("example.com", "/")
	assert.Equal(t, StatusBroken, p.Status)

	// healthy -> failing -> broken.
	notes := tr.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, StatusFailing, notes[0].Current)
	assert.Equal(t, StatusBroken, notes[1].Current)
}

func TestTracker_HistoryWindowBoundsTheRate(t *testing.T) {
	tr := NewTracker(Thresholds{Window: 10}, nil)

	// Old failures age out of a full window of successes.
	for i := 0; i < 10; i++ {
		tr.RecordFailure("example.com", "/")
	}
	for i := 0; i < 10; i++ {
		tr.RecordSuccess("example.com", "/")
	}

	p, _ := tr.Pattern("example.com", "/")
	assert.Equal(t, 10, p.SampleSize)
	assert.Equal(t, 1.0, p.SuccessRate)
	assert.Equal(t, StatusHealthy, p.Status)
}

func TestGetUnhealthyPatterns_SortedBySeverity(t *testing.T) {
	tr := NewTracker(Thresholds{}, nil)

	// broken.example.com: long failure streak.
	for i := 0; i < 8; i++ {
		tr.RecordFailure("broken.example.com", "/")
	}
	// failing.example.com: exactly at the failing threshold.
	for i := 0; i < 5; i++ {
		tr.RecordSuccess("failing.example.com", "/")
	}
	for i := 0; i < 3; i++ {
		tr.RecordFailure("failing.example.com", "/")
	}
	// healthy.example.com stays out of the answer.
	for i := 0; i < 10; i++ {
		tr.RecordSuccess("healthy.example.com", "/")
	}

	out := tr.GetUnhealthyPatterns()
	require.Len(t, out, 2)
	assert.Equal(t, "broken.example.com", out[0].Key.Domain)
	assert.Equal(t, StatusBroken, out[0].Status)
	assert.Equal(t, "failing.example.com", out[1].Key.Domain)
	assert.Equal(t, StatusFailing, out[1].Status)
}

func TestNotificationRingIsCapped(t *testing.T) {
	tr := NewTracker(Thresholds{MaxNotifications: 5}, nil)

	// Flapping between failing and healthy generates a transition on
	// nearly every flip.
	for i := 0; i < 30; i++ {
		for j := 0; j < 3; j++ {
			tr.RecordFailure("example.com", "/")
		}
		for j := 0; j < 5; j++ {
			tr.RecordSuccess("example.com", "/")
		}
	}

	notes := tr.Notifications()
	assert.Len(t, notes, 5)
	// Oldest first, newest retained.
	for i := 1; i < len(notes); i++ {
		assert.GreaterOrEqual(t, notes[i].TimestampMs, notes[i-1].TimestampMs)
	}
}

func TestStatsByStatus(t *testing.T) {
	tr := NewTracker(Thresholds{}, nil)
	for i := 0; i < 6; i++ {
		tr.RecordSuccess("healthy.example.com", "/")
	}
	for i := 0; i < 8; i++ {
		tr.RecordFailure("broken.example.com", "/")
	}

	stats := tr.StatsByStatus()
	assert.Equal(t, 1, stats[StatusHealthy])
	assert.Equal(t, 1, stats[StatusBroken])
	assert.Equal(t, 0, stats[StatusDegraded])
	assert.Equal(t, 0, stats[StatusFailing])
}
