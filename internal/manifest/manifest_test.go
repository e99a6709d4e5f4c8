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

package manifest_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhamai/silofs/internal/manifest"
)

func TestNewSeedsRootDirectory(t *testing.T) {
	m := manifest.New(42)

	assert.Equal(t, manifest.InodeID(42), m.NextInode)
	children := m.Children(manifest.RootInodeID)
	require.NotNil(t, children)
	assert.Empty(t, children)
}

func TestLookupMissingDirReturnsFalse(t *testing.T) {
	m := manifest.New(2)

	_, ok := m.Lookup(manifest.InodeID(999), "foo")
	assert.False(t, ok)
}

func TestLookupAndAttrRoundTrip(t *testing.T) {
	m := manifest.New(3)
	m.Directory[manifest.RootInodeID]["bin"] = 2
	m.FileAttrs[2] = manifest.FileAttr{Kind: manifest.Directory, Mode: 0o755}
	m.Directory[2] = map[string]manifest.InodeID{}

	id, ok := m.Lookup(manifest.RootInodeID, "bin")
	require.True(t, ok)
	assert.Equal(t, manifest.InodeID(2), id)

	attr, ok := m.Attr(id)
	require.True(t, ok)
	assert.Equal(t, manifest.Directory, attr.Kind)
}

func TestManifestJSONRoundTrip(t *testing.T) {
	m := manifest.New(5)
	m.Directory[manifest.RootInodeID]["file.txt"] = 2
	m.FileAttrs[2] = manifest.FileAttr{Kind: manifest.RegularFile, Size: 10, Mode: 0o644, Nlink: 1}
	m.InodeToHash[2] = "deadbeef"

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded manifest.Manifest
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, m.NextInode, decoded.NextInode)
	assert.Equal(t, m.InodeToHash[2], decoded.InodeToHash[2])
	assert.Equal(t, m.FileAttrs[2].Size, decoded.FileAttrs[2].Size)
}
