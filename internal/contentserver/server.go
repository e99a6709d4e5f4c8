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

// Package contentserver implements the long-lived TCP endpoint serving
// manifests and blobs over the wire protocol defined in package wire.
package contentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/shubhamai/silofs/internal/blobstore"
	"github.com/shubhamai/silofs/internal/logger"
	"github.com/shubhamai/silofs/internal/lrucache"
	"github.com/shubhamai/silofs/internal/manifestdb"
	"github.com/shubhamai/silofs/internal/wire"
)

// DefaultBlobCacheCapacity is used when Config.BlobCacheCapacity is zero.
const DefaultBlobCacheCapacity = 10000

// Config configures a Server.
type Config struct {
	ListenHost string
	ListenPort int

	Blobs      *blobstore.Store
	ManifestDB *manifestdb.DB

	// BlobCacheCapacity bounds the in-memory LRU fronting Blobs.
	BlobCacheCapacity int
}

// Server accepts connections and serves GET_DATA/blob requests.
type Server struct {
	cfg   Config
	mu    sync.Mutex
	cache *lrucache.Cache[[]byte]

	listener net.Listener
}

// New constructs a Server; call Serve to start accepting connections.
func New(cfg Config) *Server {
	capacity := cfg.BlobCacheCapacity
	if capacity <= 0 {
		capacity = DefaultBlobCacheCapacity
	}

	return &Server{
		cfg:   cfg,
		cache: lrucache.New[[]byte](capacity),
	}
}

// Addr returns the address the server is listening on. Valid only after
// Serve has started accepting connections.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens and accepts connections until ctx is cancelled or accepting
// fails. Each connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenHost, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("contentserver: listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logger.Infof("contentserver: listening on %s", ln.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("contentserver: accept: %w", err)
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	for {
		frame, err := wire.ReadRequest(conn)
		if err != nil {
			return
		}

		kind, payload := wire.Decode(frame)

		var response []byte
		switch kind {
		case wire.KindManifest:
			response, err = s.buildManifestResponse(payload)
		case wire.KindBlob:
			response, err = s.buildBlobResponse(payload)
		default:
			logger.Warnf("contentserver: unrecognized request frame from %s", conn.RemoteAddr())
			return
		}

		if err != nil {
			logger.Warnf("contentserver: %v", err)
			return
		}

		if err := wire.WriteLengthPrefixed(conn, response); err != nil {
			logger.Warnf("contentserver: writing response to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) buildManifestResponse(imageName string) ([]byte, error) {
	m, ok, err := s.cfg.ManifestDB.GetManifest(imageName)
	if err != nil {
		return nil, fmt.Errorf("looking up manifest %q: %w", imageName, err)
	}
	if !ok {
		return nil, fmt.Errorf("no manifest stored for image %q", imageName)
	}

	data, err := json.Marshal(wire.NewManifestPayload(m))
	if err != nil {
		return nil, fmt.Errorf("encoding manifest %q: %w", imageName, err)
	}
	return data, nil
}

func (s *Server) buildBlobResponse(digest string) ([]byte, error) {
	s.mu.Lock()
	if cached, ok := s.cache.LookUp(digest); ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	data, err := s.cfg.Blobs.ReadAll(digest)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", digest, err)
	}

	s.mu.Lock()
	s.cache.Insert(digest, data)
	s.mu.Unlock()

	return data, nil
}
