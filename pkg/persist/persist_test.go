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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadJSON_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, SaveJSON(path, fixture{Name: "example.com", Count: 7}))

	var got fixture
	loaded, err := LoadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, fixture{Name: "example.com", Count: 7}, got)
}

func TestLoadJSON_MissingFile(t *testing.T) {
	var got fixture
	loaded, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestLoadJSON_CorruptFileSetAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var got fixture
	loaded, err := LoadJSON(path, &got)
	require.NoError(t, err)
	assert.False(t, loaded)

	// The original is gone; a .corrupt.<ms> sibling holds the bytes.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), ".corrupt.")
}

func TestWriteFileAtomic_ReplacesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, WriteFileAtomic(path, []byte("first version"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}
