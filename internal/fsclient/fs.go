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

package fsclient

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/shubhamai/silofs/internal/logger"
	"github.com/shubhamai/silofs/internal/lrucache"
	"github.com/shubhamai/silofs/internal/manifest"
)

// defaultAttrTTL is how long the kernel is told it may cache an inode's
// attributes before re-asking.
const defaultAttrTTL = 20 * time.Second

// slowOpThreshold is the latency above which a ReadFile or ReadSymlink is
// logged; other operations are not timed.
const slowOpThreshold = 2 * time.Millisecond

// dirCacheCapacity bounds the per-mount memoization of sorted directory
// listings; listings are immutable once indexed, so entries never go stale.
const dirCacheCapacity = 1024

// Config configures one mounted filesystem instance.
type Config struct {
	Registry   *Registry
	ImageName  string
	UID, GID   uint32
	AttrTTL    time.Duration
	Clock      timeutil.Clock
}

// fileSystem implements fuseutil.FileSystem for a single mounted image. It
// supports only the read-only operation surface: every mutating method is
// inherited from fuseutil.NotImplementedFileSystem and fails ENOSYS.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	registry  *Registry
	image     *ImageData
	uid, gid  uint32
	attrTTL   time.Duration
	clock     timeutil.Clock

	mu          sync.Mutex
	lookupCount map[fuseops.InodeID]uint64

	nextHandleID fuseops.HandleID
	dirHandles   map[fuseops.HandleID]*dirHandle
	dirCache     *lrucache.Cache[[]fuseutil.Dirent]
}

// New constructs the fuseutil.FileSystem for imageName, fetching its
// manifest (or sharing an in-flight fetch with a concurrent mount of the
// same image) before returning.
func New(cfg Config) (fuseutil.FileSystem, error) {
	image, err := cfg.Registry.LoadImage(cfg.ImageName)
	if err != nil {
		return nil, fmt.Errorf("fsclient: loading image %s: %w", cfg.ImageName, err)
	}

	attrTTL := cfg.AttrTTL
	if attrTTL <= 0 {
		attrTTL = defaultAttrTTL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	fs := &fileSystem{
		registry:    cfg.Registry,
		image:       image,
		uid:         cfg.UID,
		gid:         cfg.GID,
		attrTTL:     attrTTL,
		clock:       clock,
		lookupCount: make(map[fuseops.InodeID]uint64),
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		dirCache:    lrucache.New[[]fuseutil.Dirent](dirCacheCapacity),
	}

	return fs, nil
}

func (fs *fileSystem) inodeID(ino manifest.InodeID) fuseops.InodeID {
	return fuseops.InodeID(ino)
}

func (fs *fileSystem) toManifestInode(ino fuseops.InodeID) manifest.InodeID {
	return manifest.InodeID(ino)
}

// attributes converts a manifest.FileAttr into fuseops.InodeAttributes,
// filling in the uid/gid this mount was configured with.
func (fs *fileSystem) attributes(attr manifest.FileAttr) fuseops.InodeAttributes {
	perm := os.FileMode(attr.Mode) & os.ModePerm

	var mode os.FileMode
	switch attr.Kind {
	case manifest.Directory:
		mode = os.ModeDir | perm
	case manifest.Symlink:
		mode = os.ModeSymlink | perm
	default:
		mode = perm
	}

	return fuseops.InodeAttributes{
		Size:   attr.Size,
		Nlink:  orOne(attr.Nlink),
		Mode:   mode,
		Atime:  attr.Atime,
		Mtime:  attr.Mtime,
		Ctime:  attr.Ctime,
		Crtime: attr.Crtime,
		Uid:    fs.uid,
		Gid:    fs.gid,
	}
}

func orOne(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return n
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	parent := fs.toManifestInode(op.Parent)

	var childIno manifest.InodeID
	var ok bool
	if op.Name == "." || op.Name == ".." {
		// Both resolve to the directory itself; parent chains are not
		// tracked in the manifest.
		childIno, ok = parent, fs.image.Manifest.Children(parent) != nil
	} else {
		childIno, ok = fs.image.Manifest.Lookup(parent, op.Name)
	}
	if !ok {
		return fuse.ENOENT
	}

	attr, ok := fs.image.Manifest.Attr(childIno)
	if !ok {
		return fuse.ENOENT
	}

	fs.mu.Lock()
	fs.lookupCount[fs.inodeID(childIno)]++
	fs.mu.Unlock()

	op.Entry.Child = fs.inodeID(childIno)
	op.Entry.Attributes = fs.attributes(attr)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(fs.attrTTL)
	op.Entry.EntryExpiration = fs.clock.Now().Add(fs.attrTTL)

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	ino := fs.toManifestInode(op.Inode)

	attr, ok := fs.image.Manifest.Attr(ino)
	if !ok {
		return fuse.ENOENT
	}

	op.Attributes = fs.attributes(attr)
	op.AttributesExpiration = fs.clock.Now().Add(fs.attrTTL)
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ForgetInode(_ context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino := op.Inode
	if fs.lookupCount[ino] <= op.N {
		delete(fs.lookupCount, ino)
	} else {
		fs.lookupCount[ino] -= op.N
	}
	return nil
}

// dirHandle pins the listing snapshot a ReadDir sequence iterates over.
type dirHandle struct {
	mu      sync.Mutex
	entries []fuseutil.Dirent
}

func buildDirEntries(m *manifest.Manifest, dir manifest.InodeID) []fuseutil.Dirent {
	children := m.Children(dir)

	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}

	// Directories first, then files, both lexicographic, so offset-based
	// resume (seekdir) sees a stable order across calls.
	sort.Slice(names, func(i, j int) bool {
		iDir := isDir(m, children[names[i]])
		jDir := isDir(m, children[names[j]])
		if iDir != jDir {
			return iDir
		}
		return names[i] < names[j]
	})

	entries := make([]fuseutil.Dirent, 0, len(names)+2)
	entries = append(entries,
		fuseutil.Dirent{Offset: 1, Inode: fuseops.InodeID(dir), Name: ".", Type: fuseutil.DT_Directory},
		fuseutil.Dirent{Offset: 2, Inode: fuseops.InodeID(dir), Name: "..", Type: fuseutil.DT_Directory},
	)

	for i, name := range names {
		childIno := children[name]
		attr, _ := m.Attr(childIno)
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 3),
			Inode:  fuseops.InodeID(childIno),
			Name:   name,
			Type:   direntType(attr.Kind),
		})
	}

	return entries
}

func isDir(m *manifest.Manifest, ino manifest.InodeID) bool {
	attr, ok := m.Attr(ino)
	return ok && attr.Kind == manifest.Directory
}

func direntType(kind manifest.Kind) fuseutil.DirentType {
	switch kind {
	case manifest.Directory:
		return fuseutil.DT_Directory
	case manifest.Symlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	ino := fs.toManifestInode(op.Inode)
	if !isDir(fs.image.Manifest, ino) {
		return fuse.ENOTDIR
	}

	key := strconv.FormatUint(uint64(ino), 10)

	fs.mu.Lock()
	entries, ok := fs.dirCache.LookUp(key)
	fs.mu.Unlock()

	if !ok {
		entries = buildDirEntries(fs.image.Manifest, ino)
		fs.mu.Lock()
		fs.dirCache.Insert(key, entries)
		fs.mu.Unlock()
	}

	dh := &dirHandle{entries: entries}

	fs.mu.Lock()
	handleID := fs.nextHandleID
	fs.nextHandleID++
	fs.dirHandles[handleID] = dh
	fs.mu.Unlock()

	op.Handle = handleID
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()

	if op.Offset > fuseops.DirOffset(len(dh.entries)) {
		return fuse.EINVAL
	}

	var n int
	for i := int(op.Offset); i < len(dh.entries); i++ {
		written := fuseutil.WriteDirent(op.Dst[n:], dh.entries[i])
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseDirHandle(_ context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.dirHandles, op.Handle)
	return nil
}

// OpenFile sanity-checks that the inode is a regular file; content is
// fetched lazily on each ReadFile rather than at open time.
func (fs *fileSystem) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	ino := fs.toManifestInode(op.Inode)
	attr, ok := fs.image.Manifest.Attr(ino)
	if !ok {
		return fuse.ENOENT
	}
	if attr.Kind != manifest.RegularFile {
		return fuse.EIO
	}
	return nil
}

func (fs *fileSystem) ReadFile(_ context.Context, op *fuseops.ReadFileOp) error {
	start := fs.clock.Now()
	ino := fs.toManifestInode(op.Inode)

	digest, ok := fs.image.Manifest.Hash(ino)
	if !ok {
		return fuse.ENOENT
	}

	data, err := fs.image.fetchBlob(fs.registry, digest)
	if err != nil {
		logger.Errorf("fsclient: fetching blob %s: %v", digest, err)
		return fuse.ENOENT
	}

	if op.Offset >= int64(len(data)) {
		op.BytesRead = 0
		return nil
	}

	remaining := data[op.Offset:]
	if int64(len(remaining)) > op.Size {
		remaining = remaining[:op.Size]
	}
	op.BytesRead = copy(op.Dst, remaining)

	if elapsed := fs.clock.Now().Sub(start); elapsed > slowOpThreshold {
		logger.Warnf("fsclient: ReadFile for inode %d took %s", op.Inode, elapsed)
	}

	return nil
}

// ReleaseFileHandle is a no-op: OpenFile never allocates per-handle state,
// since every ReadFile looks content up through the image's blob cache.
func (fs *fileSystem) ReleaseFileHandle(_ context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *fileSystem) ReadSymlink(_ context.Context, op *fuseops.ReadSymlinkOp) error {
	start := fs.clock.Now()
	ino := fs.toManifestInode(op.Inode)

	digest, ok := fs.image.Manifest.Hash(ino)
	if !ok {
		return fuse.ENOENT
	}

	data, err := fs.image.fetchBlob(fs.registry, digest)
	if err != nil {
		logger.Errorf("fsclient: fetching symlink target %s: %v", digest, err)
		return fuse.ENOENT
	}

	op.Target = string(data)

	if elapsed := fs.clock.Now().Sub(start); elapsed > slowOpThreshold {
		logger.Warnf("fsclient: ReadSymlink for inode %d took %s", op.Inode, elapsed)
	}

	return nil
}
