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

// Package manifestdb persists indexed image manifests and the global inode
// counter in a single bbolt file, mirroring the two-table layout
// (indexer, next_inode) the source format this system replaces used.
package manifestdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/shubhamai/silofs/internal/manifest"
)

var (
	indexerBucket   = []byte("indexer")
	nextInodeBucket = []byte("next_inode")
	nextInodeKey    = []byte("next_inode")
)

// DB is a handle to the manifest database. One process should hold a single
// DB per path; Open returns a shared instance for a path already opened by
// this process, matching how the content server and the indexer CLI command
// can both run against the same file within one process lifetime.
type DB struct {
	path string
	bolt *bolt.DB
}

var (
	openMu sync.Mutex
	open   = make(map[string]*DB)
)

// Open opens (or creates) the manifest database at path, returning a shared
// handle if this process already has it open.
func Open(path string) (*DB, error) {
	openMu.Lock()
	defer openMu.Unlock()

	if db, ok := open[path]; ok {
		return db, nil
	}

	b, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("manifestdb: opening %s: %w", path, err)
	}

	err = b.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(indexerBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(nextInodeBucket)
		return err
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("manifestdb: initializing buckets: %w", err)
	}

	db := &DB{path: path, bolt: b}
	open[path] = db
	return db, nil
}

// Close closes the underlying file and drops the shared handle.
func (db *DB) Close() error {
	openMu.Lock()
	delete(open, db.path)
	openMu.Unlock()

	return db.bolt.Close()
}

// NextInode returns the persisted global inode counter: the first inode the
// next indexing run should hand out. The counter starts at
// manifest.RootInodeID+1 since RootInodeID is reserved for every image's
// root directory and is never allocated from it.
func (db *DB) NextInode() (manifest.InodeID, error) {
	next := manifest.RootInodeID + 1

	err := db.bolt.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(nextInodeBucket).Get(nextInodeKey); raw != nil {
			next = manifest.InodeID(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("manifestdb: reading inode counter: %w", err)
	}

	return next, nil
}

// PutManifest stores m under imageName, overwriting any prior manifest for
// that image, and advances the global inode counter to m.NextInode. Both
// writes commit in one transaction: an indexing run either lands completely
// or not at all. Called once, after a full successful run.
func (db *DB) PutManifest(imageName string, m *manifest.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifestdb: encoding manifest for %s: %w", imageName, err)
	}

	err = db.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(indexerBucket).Put([]byte(imageName), data); err != nil {
			return err
		}

		var next [8]byte
		binary.BigEndian.PutUint64(next[:], uint64(m.NextInode))
		return tx.Bucket(nextInodeBucket).Put(nextInodeKey, next[:])
	})
	if err != nil {
		return fmt.Errorf("manifestdb: storing manifest for %s: %w", imageName, err)
	}
	return nil
}

// GetManifest loads the manifest for imageName, reporting whether it exists.
func (db *DB) GetManifest(imageName string) (*manifest.Manifest, bool, error) {
	var data []byte

	err := db.bolt.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(indexerBucket).Get([]byte(imageName)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("manifestdb: reading manifest for %s: %w", imageName, err)
	}
	if data == nil {
		return nil, false, nil
	}

	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("manifestdb: decoding manifest for %s: %w", imageName, err)
	}
	return &m, true, nil
}

// ListImages returns the names of every image with a stored manifest.
func (db *DB) ListImages() ([]string, error) {
	var names []string

	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indexerBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("manifestdb: listing images: %w", err)
	}
	return names, nil
}
