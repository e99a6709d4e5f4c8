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

// Package fsclient implements a read-only, FUSE-mounted lazy filesystem
// that fetches manifests and blobs on demand from a content server over a
// single shared, lock-serialized TCP connection.
package fsclient

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/shubhamai/silofs/internal/logger"
	"github.com/shubhamai/silofs/internal/manifest"
	"github.com/shubhamai/silofs/internal/wire"
)

// ImageData is the in-memory, per-image state shared by every mount of the
// same image: its manifest plus a blob cache that is never evicted for the
// lifetime of the process, since the set of blobs one image can reference
// is bounded by the image itself.
type ImageData struct {
	Name     string
	Manifest *manifest.Manifest

	blobMu    sync.RWMutex
	blobCache map[string][]byte
}

func newImageData(name string, m *manifest.Manifest) *ImageData {
	return &ImageData{
		Name:      name,
		Manifest:  m,
		blobCache: make(map[string][]byte),
	}
}

// stream is the single TCP connection shared by every mounted image talking
// to one content server address. Every request/response round trip holds
// mu for its entire duration, since the wire protocol has no way to
// correlate an out-of-order response with its request.
type stream struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *stream) fetchManifest(imageName string) (*manifest.Manifest, error) {
	req, err := wire.EncodeManifestRequest(imageName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Write(req[:]); err != nil {
		return nil, fmt.Errorf("fsclient: sending manifest request for %s: %w", imageName, err)
	}

	data, err := wire.ReadLengthPrefixed(s.conn)
	if err != nil {
		return nil, fmt.Errorf("fsclient: reading manifest response for %s: %w", imageName, err)
	}

	var payload wire.ManifestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("fsclient: decoding manifest for %s: %w", imageName, err)
	}
	return payload.Manifest(), nil
}

func (s *stream) fetchBlob(digest string) ([]byte, error) {
	req, err := wire.EncodeBlobRequest(digest)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Write(req[:]); err != nil {
		return nil, fmt.Errorf("fsclient: sending blob request for %s: %w", digest, err)
	}

	data, err := wire.ReadLengthPrefixed(s.conn)
	if err != nil {
		return nil, fmt.Errorf("fsclient: reading blob response for %s: %w", digest, err)
	}
	return data, nil
}

// Registry is the process-wide, shared map from image name to ImageData. A
// single Registry is normally constructed once per content-server address
// and reused across every Mount call in the process.
type Registry struct {
	stream *stream
	group  singleflight.Group

	mu     sync.Mutex
	images map[string]*ImageData
}

// NewRegistry dials addr once and returns a Registry backed by that single
// connection.
func NewRegistry(addr string) (*Registry, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fsclient: dialing content server %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return &Registry{
		stream: &stream{conn: conn},
		images: make(map[string]*ImageData),
	}, nil
}

// Close tears down the shared connection. Blobs already cached remain
// readable; any operation needing a fetch afterwards fails.
func (r *Registry) Close() error {
	return r.stream.conn.Close()
}

// LoadImage returns the shared ImageData for imageName, fetching its
// manifest over the network at most once even if multiple mounts request
// the same image concurrently.
func (r *Registry) LoadImage(imageName string) (*ImageData, error) {
	r.mu.Lock()
	if data, ok := r.images[imageName]; ok {
		r.mu.Unlock()
		return data, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(imageName, func() (any, error) {
		r.mu.Lock()
		if data, ok := r.images[imageName]; ok {
			r.mu.Unlock()
			return data, nil
		}
		r.mu.Unlock()

		logger.Infof("fsclient: fetching manifest for %s", imageName)
		m, err := r.stream.fetchManifest(imageName)
		if err != nil {
			return nil, err
		}

		data := newImageData(imageName, m)

		r.mu.Lock()
		r.images[imageName] = data
		r.mu.Unlock()

		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*ImageData), nil
}

// fetchBlob returns the content of the blob with the given digest,
// serving it from the per-image cache when possible.
func (img *ImageData) fetchBlob(r *Registry, digest string) ([]byte, error) {
	img.blobMu.RLock()
	if data, ok := img.blobCache[digest]; ok {
		img.blobMu.RUnlock()
		return data, nil
	}
	img.blobMu.RUnlock()

	data, err := r.stream.fetchBlob(digest)
	if err != nil {
		return nil, err
	}

	img.blobMu.Lock()
	img.blobCache[digest] = data
	img.blobMu.Unlock()

	return data, nil
}
