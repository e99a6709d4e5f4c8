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

// Package indexer implements the DFS walk that turns a mounted container
// image root filesystem into a manifest plus a set of content-addressed
// blobs.
package indexer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/shubhamai/silofs/internal/blobstore"
	"github.com/shubhamai/silofs/internal/manifest"
	"github.com/shubhamai/silofs/internal/manifestdb"
)

// Config controls one indexing run.
type Config struct {
	// ImageName is the key the resulting manifest is stored under.
	ImageName string
	// RootPath is the mounted root filesystem of the image being indexed.
	RootPath string

	Blobs *blobstore.Store
	DB    *manifestdb.DB

	Clock timeutil.Clock

	// Progress, if non-nil, is called after each inode is processed with the
	// running count and the pre-walked total. Advisory only; never affects
	// the walk's outcome.
	Progress func(processed, total int)
}

// Summary reports the outcome of a successful indexing run.
type Summary struct {
	ImageName   string
	InodeCount  int
	BytesStored int64
	Duration    time.Duration
}

// Index walks cfg.RootPath, builds a manifest, writes every regular file
// and symlink target to the blob store, and persists the manifest and the
// advanced global inode counter together only on complete success. A
// failure partway through the walk leaves the blob store with harmless
// orphan blobs but writes no manifest.
func Index(cfg Config) (Summary, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}
	start := cfg.Clock.Now()

	rootInfo, err := os.Lstat(cfg.RootPath)
	if err != nil {
		return Summary{}, fmt.Errorf("indexer: stat root %s: %w", cfg.RootPath, err)
	}
	if !rootInfo.IsDir() {
		return Summary{}, fmt.Errorf("indexer: root %s is not a directory", cfg.RootPath)
	}

	// The counter is read once here and written back, advanced, with the
	// manifest; the run owns the contiguous inode range in between.
	seed, err := cfg.DB.NextInode()
	if err != nil {
		return Summary{}, err
	}

	m := manifest.New(seed)
	rootAttr, err := attrFromPath(cfg.RootPath, manifest.Directory)
	if err != nil {
		return Summary{}, err
	}
	m.FileAttrs[manifest.RootInodeID] = rootAttr

	w := &walker{cfg: cfg, manifest: m, total: countEntries(cfg.RootPath)}
	if err := w.walkDir(cfg.RootPath, manifest.RootInodeID); err != nil {
		return Summary{}, err
	}

	if err := cfg.DB.PutManifest(cfg.ImageName, m); err != nil {
		return Summary{}, fmt.Errorf("indexer: persisting manifest: %w", err)
	}

	return Summary{
		ImageName:   cfg.ImageName,
		InodeCount:  len(m.FileAttrs),
		BytesStored: w.bytesStored,
		Duration:    cfg.Clock.Now().Sub(start),
	}, nil
}

// countEntries pre-walks root so progress can be reported against a total.
// Entries that appear or vanish between this pass and the real walk only
// skew the advisory count, so errors are ignored.
func countEntries(root string) int {
	var n int
	_ = filepath.WalkDir(root, func(path string, _ os.DirEntry, err error) error {
		if err == nil && path != root {
			n++
		}
		return nil
	})
	return n
}

type walker struct {
	cfg         Config
	manifest    *manifest.Manifest
	processed   int
	total       int
	bytesStored int64
}

func (w *walker) allocInode() manifest.InodeID {
	ino := w.manifest.NextInode
	w.manifest.NextInode++
	return ino
}

// walkDir recurses into the directory at path, already represented by the
// inode dirIno, populating its children in lexicographic order.
func (w *walker) walkDir(path string, dirIno manifest.InodeID) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("indexer: reading directory %s: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	children := w.manifest.Directory[dirIno]
	if children == nil {
		children = map[string]manifest.InodeID{}
		w.manifest.Directory[dirIno] = children
	}

	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())

		info, err := os.Lstat(childPath)
		if err != nil {
			return fmt.Errorf("indexer: stat %s: %w", childPath, err)
		}

		ino := w.allocInode()
		children[entry.Name()] = ino

		if err := w.indexEntry(childPath, ino, info); err != nil {
			return err
		}

		w.processed++
		if w.cfg.Progress != nil {
			w.cfg.Progress(w.processed, w.total)
		}
	}

	return nil
}

func (w *walker) indexEntry(path string, ino manifest.InodeID, info os.FileInfo) error {
	switch {
	case info.IsDir():
		attr, err := attrFromPath(path, manifest.Directory)
		if err != nil {
			return err
		}
		w.manifest.FileAttrs[ino] = attr
		w.manifest.Directory[ino] = map[string]manifest.InodeID{}
		return w.walkDir(path, ino)

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("indexer: reading symlink %s: %w", path, err)
		}
		digest, size, err := w.cfg.Blobs.Put(strings.NewReader(target))
		if err != nil {
			return fmt.Errorf("indexer: storing symlink target for %s: %w", path, err)
		}
		w.bytesStored += size
		w.manifest.InodeToHash[ino] = digest

		attr, err := attrFromPath(path, manifest.Symlink)
		if err != nil {
			return err
		}
		w.manifest.FileAttrs[ino] = attr
		return nil

	case info.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("indexer: opening %s: %w", path, err)
		}
		digest, size, err := w.cfg.Blobs.Put(f)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("indexer: storing content of %s: %w", path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("indexer: closing %s: %w", path, closeErr)
		}
		w.bytesStored += size
		w.manifest.InodeToHash[ino] = digest

		attr, err := attrFromPath(path, manifest.RegularFile)
		if err != nil {
			return err
		}
		w.manifest.FileAttrs[ino] = attr
		return nil

	default:
		attr, err := attrFromPath(path, manifest.Other)
		if err != nil {
			return err
		}
		w.manifest.FileAttrs[ino] = attr
		return nil
	}
}

// attrFromPath lstats path directly through golang.org/x/sys/unix rather
// than through os.FileInfo.Sys(), so the raw uid/gid/rdev/nlink/block count
// fields are read without an interface type assertion.
func attrFromPath(path string, kind manifest.Kind) (manifest.FileAttr, error) {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return manifest.FileAttr{}, fmt.Errorf("indexer: lstat %s: %w", path, err)
	}

	mtime := time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec)
	ctime := time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
	atime := time.Unix(stat.Atim.Sec, stat.Atim.Nsec)

	nlink := uint32(1)
	if stat.Nlink > 1 {
		nlink = uint32(stat.Nlink)
	}

	return manifest.FileAttr{
		Kind:      kind,
		Size:      uint64(stat.Size),
		Mode:      uint32(stat.Mode) & 0o7777,
		Nlink:     nlink,
		UID:       stat.Uid,
		GID:       stat.Gid,
		Rdev:      uint32(stat.Rdev),
		BlockSize: manifest.DefaultBlockSize,
		Blocks:    uint64(stat.Blocks),
		Mtime:     mtime,
		Ctime:     ctime,
		Atime:     atime,
		// Linux stat carries no birth time; fall back to the epoch.
		Crtime: time.Unix(0, 0),
	}, nil
}
