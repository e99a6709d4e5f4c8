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

// Package wire implements the framed request/response protocol spoken
// between the content server and its clients: a fixed 64-byte request frame
// followed by an 8-byte big-endian length-prefixed response.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/shubhamai/silofs/internal/manifest"
)

// RequestSize is the fixed size of every request frame.
const RequestSize = 64

// manifestPrefix precedes an image name in a manifest request frame.
const manifestPrefix = "GET_DATA:"

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Kind classifies a decoded request.
type Kind int

const (
	// KindManifest requests the manifest for an image by name.
	KindManifest Kind = iota
	// KindBlob requests a blob by its hex SHA-256 digest.
	KindBlob
	// KindUnknown marks a frame that matches neither known form.
	KindUnknown
)

// ErrRequestTooLong is returned when a payload does not fit in a 64-byte frame.
var ErrRequestTooLong = errors.New("wire: request payload exceeds 64-byte frame")

// EncodeManifestRequest builds a request frame asking for the manifest of
// imageName.
func EncodeManifestRequest(imageName string) ([RequestSize]byte, error) {
	return encode(manifestPrefix + imageName)
}

// EncodeBlobRequest builds a request frame asking for the blob identified by
// the hex SHA-256 digest.
func EncodeBlobRequest(digest string) ([RequestSize]byte, error) {
	if !hexDigest.MatchString(digest) {
		return [RequestSize]byte{}, fmt.Errorf("wire: %q is not a 64-character hex digest", digest)
	}
	return encode(digest)
}

func encode(payload string) ([RequestSize]byte, error) {
	var frame [RequestSize]byte
	if len(payload) > RequestSize {
		return frame, ErrRequestTooLong
	}
	copy(frame[:], payload)
	return frame, nil
}

// Decode classifies a request frame and extracts its payload: the image
// name for a manifest request, or the hex digest for a blob request.
func Decode(frame [RequestSize]byte) (kind Kind, payload string) {
	// Trailing NUL padding is not part of the payload.
	raw := strings.TrimRight(string(frame[:]), "\x00")

	if strings.HasPrefix(raw, manifestPrefix) {
		return KindManifest, strings.TrimPrefix(raw, manifestPrefix)
	}
	if hexDigest.MatchString(raw) {
		return KindBlob, raw
	}
	return KindUnknown, raw
}

// ReadRequest reads exactly one 64-byte request frame from r.
func ReadRequest(r io.Reader) ([RequestSize]byte, error) {
	var frame [RequestSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return frame, fmt.Errorf("wire: reading request frame: %w", err)
	}
	return frame, nil
}

// WriteLengthPrefixed writes an 8-byte big-endian length prefix followed by
// payload.
func WriteLengthPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing length prefix: %w", err)
	}
	if _, err := bw.Write(payload); err != nil {
		return fmt.Errorf("wire: writing payload: %w", err)
	}
	return bw.Flush()
}

// ManifestPayload is the JSON body of a manifest response. Map keys are
// inode numbers, which encoding/json renders as strings on the wire.
type ManifestPayload struct {
	Directory   map[manifest.InodeID]map[string]manifest.InodeID `json:"directory_cache"`
	FileAttrs   map[manifest.InodeID]manifest.FileAttr           `json:"file_attr_cache"`
	InodeToHash map[manifest.InodeID]string                      `json:"inode_to_hash"`
}

// NewManifestPayload builds the wire payload for m. The payload aliases m's
// maps rather than copying them; m is read-only once indexed.
func NewManifestPayload(m *manifest.Manifest) ManifestPayload {
	return ManifestPayload{
		Directory:   m.Directory,
		FileAttrs:   m.FileAttrs,
		InodeToHash: m.InodeToHash,
	}
}

// Manifest converts a decoded payload back into the in-memory manifest form.
func (p ManifestPayload) Manifest() *manifest.Manifest {
	return &manifest.Manifest{
		Directory:   p.Directory,
		FileAttrs:   p.FileAttrs,
		InodeToHash: p.InodeToHash,
	}
}

// ReadLengthPrefixed reads an 8-byte big-endian length prefix followed by
// that many payload bytes.
func ReadLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: reading length prefix: %w", err)
	}

	n := binary.BigEndian.Uint64(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading payload of %d bytes: %w", n, err)
	}
	return payload, nil
}
