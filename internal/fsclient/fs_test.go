// Copyright 2015 Google Inc. All Rights Reserved.
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

package fsclient_test

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhamai/silofs/internal/blobstore"
	"github.com/shubhamai/silofs/internal/contentserver"
	"github.com/shubhamai/silofs/internal/fsclient"
	"github.com/shubhamai/silofs/internal/indexer"
	"github.com/shubhamai/silofs/internal/manifestdb"
)

// serveImage indexes root under imageName and starts a content server for
// it, returning a Registry dialed against that server.
func serveImage(t *testing.T, imageName, root string) *fsclient.Registry {
	t.Helper()

	blobs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)
	db, err := manifestdb.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = indexer.Index(indexer.Config{
		ImageName: imageName,
		RootPath:  root,
		Blobs:     blobs,
		DB:        db,
	})
	require.NoError(t, err)

	srv := contentserver.New(contentserver.Config{
		ListenHost: "127.0.0.1",
		ListenPort: 0,
		Blobs:      blobs,
		ManifestDB: db,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond)

	registry, err := fsclient.NewRegistry(addr.String())
	require.NoError(t, err)
	return registry
}

func TestLookUpAndReadFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Zfile"), []byte("z content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b content"), 0o644))

	registry := serveImage(t, "testimg", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "testimg"})
	require.NoError(t, err)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "Zfile"}
	require.NoError(t, fs.LookUpInode(context.Background(), lookup))
	assert.Equal(t, uint64(9), lookup.Entry.Attributes.Size)

	open := &fuseops.OpenFileOp{Inode: lookup.Entry.Child}
	require.NoError(t, fs.OpenFile(context.Background(), open))

	read := &fuseops.ReadFileOp{Inode: lookup.Entry.Child, Offset: 0, Size: 64, Dst: make([]byte, 64)}
	require.NoError(t, fs.ReadFile(context.Background(), read))
	assert.Equal(t, "z content", string(read.Dst[:read.BytesRead]))
}

func TestLookUpUnknownNameReturnsError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "only"), []byte("x"), 0o644))

	registry := serveImage(t, "testimg2", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "testimg2"})
	require.NoError(t, err)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	assert.Error(t, fs.LookUpInode(context.Background(), lookup))
}

func TestReadFileOffsetAtEOFReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b content"), 0o644))

	registry := serveImage(t, "testimg3", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "testimg3"})
	require.NoError(t, err)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "b"}
	require.NoError(t, fs.LookUpInode(context.Background(), lookup))

	read := &fuseops.ReadFileOp{
		Inode:  lookup.Entry.Child,
		Offset: int64(lookup.Entry.Attributes.Size),
		Size:   64,
		Dst:    make([]byte, 64),
	}
	require.NoError(t, fs.ReadFile(context.Background(), read))
	assert.Empty(t, read.Dst[:read.BytesRead])
}

func TestReadDirListsDotAndDotDotPlusChildren(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Zfile"), []byte("z"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "x"), 0o755))

	registry := serveImage(t, "ordered", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "ordered"})
	require.NoError(t, err)

	opendir := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(context.Background(), opendir))

	readdir := &fuseops.ReadDirOp{Handle: opendir.Handle, Offset: 0, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(context.Background(), readdir))
	assert.NotEmpty(t, readdir.Dst[:readdir.BytesRead])
	assert.ElementsMatch(t, []string{".", "..", "a", "Zfile", "b"}, parseDirentNames(t, readdir.Dst[:readdir.BytesRead]))

	// Reading again from the full entry count returns an empty listing.
	readAtEnd := &fuseops.ReadDirOp{Handle: opendir.Handle, Offset: 5, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(context.Background(), readAtEnd))
	assert.Empty(t, readAtEnd.Dst[:readAtEnd.BytesRead])
}

func TestReadSymlinkReturnsTargetBytes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Symlink("/etc/hostname", filepath.Join(root, "link")))

	registry := serveImage(t, "linkimg", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "linkimg"})
	require.NoError(t, err)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "link"}
	require.NoError(t, fs.LookUpInode(context.Background(), lookup))
	assert.Equal(t, uint64(len("/etc/hostname")), lookup.Entry.Attributes.Size)

	readlink := &fuseops.ReadSymlinkOp{Inode: lookup.Entry.Child}
	require.NoError(t, fs.ReadSymlink(context.Background(), readlink))
	assert.Equal(t, "/etc/hostname", readlink.Target)
}

func TestLookUpDotResolvesToDirectoryItself(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))

	registry := serveImage(t, "dotimg", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "dotimg"})
	require.NoError(t, err)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a"}
	require.NoError(t, fs.LookUpInode(context.Background(), lookup))
	aIno := lookup.Entry.Child

	for _, name := range []string{".", ".."} {
		op := &fuseops.LookUpInodeOp{Parent: aIno, Name: name}
		require.NoError(t, fs.LookUpInode(context.Background(), op))
		assert.Equal(t, aIno, op.Entry.Child)
	}
}

func TestSharedImageAcrossMounts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("shared"), 0o644))

	registry := serveImage(t, "shared", root)

	img1, err := registry.LoadImage("shared")
	require.NoError(t, err)
	img2, err := registry.LoadImage("shared")
	require.NoError(t, err)
	assert.Same(t, img1, img2)
}

func TestRepeatReadServedFromCacheAfterDisconnect(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("cached"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "g"), []byte("never read"), 0o644))

	registry := serveImage(t, "cacheimg", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "cacheimg"})
	require.NoError(t, err)

	lookupF := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "f"}
	require.NoError(t, fs.LookUpInode(context.Background(), lookupF))
	lookupG := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "g"}
	require.NoError(t, fs.LookUpInode(context.Background(), lookupG))

	read := &fuseops.ReadFileOp{Inode: lookupF.Entry.Child, Offset: 0, Size: 64, Dst: make([]byte, 64)}
	require.NoError(t, fs.ReadFile(context.Background(), read))
	assert.Equal(t, "cached", string(read.Dst[:read.BytesRead]))

	// With the connection gone, only already-fetched blobs stay readable.
	require.NoError(t, registry.Close())

	again := &fuseops.ReadFileOp{Inode: lookupF.Entry.Child, Offset: 0, Size: 64, Dst: make([]byte, 64)}
	require.NoError(t, fs.ReadFile(context.Background(), again))
	assert.Equal(t, "cached", string(again.Dst[:again.BytesRead]))

	uncached := &fuseops.ReadFileOp{Inode: lookupG.Entry.Child, Offset: 0, Size: 64, Dst: make([]byte, 64)}
	assert.Error(t, fs.ReadFile(context.Background(), uncached))
}

// parseDirentNames decodes the names out of a raw ReadDir reply buffer. The
// record layout matches what fuseutil.WriteDirent emits in host order: inode
// and offset as u64, name length and type as u32, then the name padded to 8
// bytes.
func parseDirentNames(t *testing.T, data []byte) []string {
	t.Helper()

	var names []string
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 24)
		nameLen := int(binary.NativeEndian.Uint32(data[16:20]))
		require.GreaterOrEqual(t, len(data), 24+nameLen)
		names = append(names, string(data[24:24+nameLen]))

		recordLen := (24 + nameLen + 7) &^ 7
		if recordLen > len(data) {
			break
		}
		data = data[recordLen:]
	}
	return names
}

func TestReadDirOrdersDirectoriesBeforeFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Zfile"), []byte("z"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "x"), 0o755))

	registry := serveImage(t, "orderimg", root)
	fs, err := fsclient.New(fsclient.Config{Registry: registry, ImageName: "orderimg"})
	require.NoError(t, err)

	opendir := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(context.Background(), opendir))

	readdir := &fuseops.ReadDirOp{Handle: opendir.Handle, Offset: 0, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(context.Background(), readdir))

	names := parseDirentNames(t, readdir.Dst[:readdir.BytesRead])
	assert.Equal(t, []string{".", "..", "a", "Zfile", "b"}, names)
}
