// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifestdb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhamai/silofs/internal/manifest"
	"github.com/shubhamai/silofs/internal/manifestdb"
)

func openTestDB(t *testing.T) *manifestdb.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.db")
	db, err := manifestdb.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNextInodeStartsAboveRoot(t *testing.T) {
	db := openTestDB(t)

	next, err := db.NextInode()
	require.NoError(t, err)
	assert.Equal(t, manifest.RootInodeID+1, next)
}

func TestPutManifestAdvancesInodeCounter(t *testing.T) {
	db := openTestDB(t)

	m := manifest.New(2)
	m.NextInode = 42
	require.NoError(t, db.PutManifest("img", m))

	next, err := db.NextInode()
	require.NoError(t, err)
	assert.Equal(t, manifest.InodeID(42), next)
}

func TestPutAndGetManifestRoundTrip(t *testing.T) {
	db := openTestDB(t)

	m := manifest.New(10)
	m.Directory[manifest.RootInodeID]["etc"] = 2
	m.FileAttrs[2] = manifest.FileAttr{Kind: manifest.Directory}

	require.NoError(t, db.PutManifest("busybox:latest", m))

	got, ok, err := db.GetManifest("busybox:latest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.InodeID(2), got.Directory[manifest.RootInodeID]["etc"])
}

func TestGetManifestMissingImage(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.GetManifest("nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListImages(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutManifest("a", manifest.New(2)))
	require.NoError(t, db.PutManifest("b", manifest.New(2)))

	names, err := db.ListImages()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestOpenReturnsSharedHandleForSamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	db1, err := manifestdb.Open(path)
	require.NoError(t, err)
	defer db1.Close()

	db2, err := manifestdb.Open(path)
	require.NoError(t, err)

	assert.Same(t, db1, db2)
}
