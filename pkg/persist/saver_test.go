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

package persist

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaver_DebouncesMarks(t *testing.T) {
	var saves atomic.Int64
	s := NewSaver("test", 30*time.Millisecond, func() error {
		saves.Add(1)
		return nil
	})
	defer s.Close(context.Background())

	for i := 0; i < 10; i++ {
		s.MarkDirty()
	}

	assert.Eventually(t, func() bool {
		return saves.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// No further marks, no further saves.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), saves.Load())
}

func TestSaver_FlushDrainsPendingSave(t *testing.T) {
	var saves atomic.Int64
	s := NewSaver("test", time.Hour, func() error {
		saves.Add(1)
		return nil
	})
	defer s.Close(context.Background())

	s.MarkDirty()
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, int64(1), saves.Load())

	// Flushing with nothing pending is a no-op.
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, int64(1), saves.Load())
}

func TestSaver_CloseStopsFurtherMarks(t *testing.T) {
	var saves atomic.Int64
	s := NewSaver("test", 10*time.Millisecond, func() error {
		saves.Add(1)
		return nil
	})

	s.MarkDirty()
	require.NoError(t, s.Close(context.Background()))
	after := saves.Load()

	s.MarkDirty()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, saves.Load())
}
