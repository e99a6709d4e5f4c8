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

// Package blobstore implements the flat, content-addressed store backing
// both the indexer (which writes blobs) and the content server (which
// serves them). Blobs are stored under their lowercase hex SHA-256 digest;
// writes are idempotent, so concurrent indexing runs writing the same
// content never corrupt each other.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// ErrInvalidDigest is returned when a caller supplies a string that is not a
// 64-character lowercase hex SHA-256 digest.
var ErrInvalidDigest = errors.New("blobstore: invalid digest")

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is a content-addressed blob store rooted at a single directory.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir if it does not exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(digest string) string {
	return filepath.Join(s.dir, digest)
}

// Has reports whether digest is already stored.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(s.path(digest))
	return err == nil
}

// Put streams r into the store, returning the hex SHA-256 digest of its
// content. If a blob with that digest already exists, the new content is
// discarded and the existing blob is left untouched; the store is
// write-once per digest.
func (s *Store) Put(r io.Reader) (digest string, size int64, err error) {
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+uuid.NewString())
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	h := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(r, h))
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("blobstore: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("blobstore: closing temp file: %w", err)
	}

	digest = hex.EncodeToString(h.Sum(nil))
	final := s.path(digest)

	if _, err := os.Stat(final); err == nil {
		// Another writer already stored identical content; ours is redundant.
		return digest, n, nil
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return "", 0, fmt.Errorf("blobstore: renaming into place: %w", err)
	}

	return digest, n, nil
}

// Get opens the blob with the given digest for reading. The caller must
// close the returned file.
func (s *Store) Get(digest string) (*os.File, error) {
	if !hexDigest.MatchString(digest) {
		return nil, ErrInvalidDigest
	}

	f, err := os.Open(s.path(digest))
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening %s: %w", digest, err)
	}
	return f, nil
}

// ReadAll reads the full content of the blob with the given digest.
func (s *Store) ReadAll(digest string) ([]byte, error) {
	f, err := s.Get(digest)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading %s: %w", digest, err)
	}
	return data, nil
}

// ValidDigest reports whether s is a well-formed hex SHA-256 digest.
func ValidDigest(s string) bool {
	return hexDigest.MatchString(s)
}
