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

package contentserver_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhamai/silofs/internal/blobstore"
	"github.com/shubhamai/silofs/internal/contentserver"
	"github.com/shubhamai/silofs/internal/manifest"
	"github.com/shubhamai/silofs/internal/manifestdb"
	"github.com/shubhamai/silofs/internal/wire"
)

func startTestServer(t *testing.T) net.Addr {
	t.Helper()

	blobs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)
	db, err := manifestdb.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	digest, _, err := blobs.Put(strings.NewReader("hello blob"))
	require.NoError(t, err)

	m := manifest.New(3)
	m.Directory[manifest.RootInodeID]["file.txt"] = 2
	m.FileAttrs[2] = manifest.FileAttr{Kind: manifest.RegularFile}
	m.InodeToHash[2] = digest
	require.NoError(t, db.PutManifest("myimage", m))

	s := contentserver.New(contentserver.Config{
		ListenHost: "127.0.0.1",
		ListenPort: 0,
		Blobs:      blobs,
		ManifestDB: db,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = s.Serve(ctx)
	}()

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond)

	return addr
}

func TestServerServesManifest(t *testing.T) {
	addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := wire.EncodeManifestRequest("myimage")
	require.NoError(t, err)
	_, err = conn.Write(req[:])
	require.NoError(t, err)

	resp, err := wire.ReadLengthPrefixed(conn)
	require.NoError(t, err)

	var payload wire.ManifestPayload
	require.NoError(t, json.Unmarshal(resp, &payload))
	assert.Contains(t, payload.Directory[manifest.RootInodeID], "file.txt")
}

func TestServerServesBlobAfterManifest(t *testing.T) {
	addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	manifestReq, err := wire.EncodeManifestRequest("myimage")
	require.NoError(t, err)
	_, err = conn.Write(manifestReq[:])
	require.NoError(t, err)

	resp, err := wire.ReadLengthPrefixed(conn)
	require.NoError(t, err)
	var payload wire.ManifestPayload
	require.NoError(t, json.Unmarshal(resp, &payload))

	ino := payload.Directory[manifest.RootInodeID]["file.txt"]
	digest := payload.InodeToHash[ino]

	blobReq, err := wire.EncodeBlobRequest(digest)
	require.NoError(t, err)
	_, err = conn.Write(blobReq[:])
	require.NoError(t, err)

	blobResp, err := wire.ReadLengthPrefixed(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(blobResp))
}

func TestServerClosesConnectionOnUnknownImage(t *testing.T) {
	addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := wire.EncodeManifestRequest("no-such-image")
	require.NoError(t, err)
	_, err = conn.Write(req[:])
	require.NoError(t, err)

	_, err = wire.ReadLengthPrefixed(conn)
	assert.Error(t, err)
}

func TestServerServesRepeatedBlobRequestsOnOneConnection(t *testing.T) {
	addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	manifestReq, err := wire.EncodeManifestRequest("myimage")
	require.NoError(t, err)
	_, err = conn.Write(manifestReq[:])
	require.NoError(t, err)

	resp, err := wire.ReadLengthPrefixed(conn)
	require.NoError(t, err)
	var payload wire.ManifestPayload
	require.NoError(t, json.Unmarshal(resp, &payload))
	digest := payload.InodeToHash[payload.Directory[manifest.RootInodeID]["file.txt"]]

	// The second fetch is served out of the LRU; both must return the same
	// bytes.
	for i := 0; i < 2; i++ {
		blobReq, err := wire.EncodeBlobRequest(digest)
		require.NoError(t, err)
		_, err = conn.Write(blobReq[:])
		require.NoError(t, err)

		blobResp, err := wire.ReadLengthPrefixed(conn)
		require.NoError(t, err)
		assert.Equal(t, "hello blob", string(blobResp))
	}
}
