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

// Package manifest defines the data model shared by the indexer, the
// content server, and the filesystem client: the directory tree, per-inode
// attributes, and the inode-to-blob-hash map that together describe one
// indexed container image.
package manifest

import "time"

// InodeID identifies an inode within a single image's manifest. Every
// image's root is RootInodeID; all other inode numbers are global across the
// images sharing one manifestdb, seeded from the persisted next_inode
// counter, and never reused.
type InodeID uint64

// RootInodeID is the inode number of every image's root directory.
const RootInodeID InodeID = 1

// Kind tags the type of filesystem entry an inode represents. Encoded as a
// lowercase string on the wire rather than as a bare integer so that the
// manifest's JSON stays self-describing across indexer/server/client binary
// versions.
type Kind string

const (
	Directory   Kind = "directory"
	RegularFile Kind = "regular_file"
	Symlink     Kind = "symlink"
	Other       Kind = "other"
)

// FileAttr captures the metadata preserved for one inode. Mirrors the field
// set fuseops.InodeAttributes expects at the FUSE boundary, plus the extra
// fields (Kind, Crtime, Rdev, BlockSize) the boundary doesn't carry natively.
type FileAttr struct {
	Kind  Kind   `json:"kind"`
	Size  uint64 `json:"size"`
	Mode  uint32 `json:"mode"`
	Nlink uint32 `json:"nlink"`
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	Rdev  uint32 `json:"rdev"`

	BlockSize uint32 `json:"block_size"`
	Blocks    uint64 `json:"blocks"`

	Atime  time.Time `json:"atime"`
	Mtime  time.Time `json:"mtime"`
	Ctime  time.Time `json:"ctime"`
	Crtime time.Time `json:"crtime"`
}

// DefaultBlockSize is used when populating FileAttr.BlockSize; it matches
// the block size most container image layers are built against.
const DefaultBlockSize = 4096

// Manifest is the complete indexed description of one image: its directory
// tree, the attributes of every inode in that tree, and the content hash
// backing every regular file inode.
//
// Directory maps a directory's inode to its children, keyed by entry name.
// FileAttrs maps every inode (directories included) to its attributes.
// InodeToHash maps every RegularFile and Symlink inode to the hex SHA-256
// digest of its content (the symlink target, in the Symlink case) in the
// blob store; directories have no entry here.
type Manifest struct {
	NextInode   InodeID                        `json:"next_inode"`
	Directory   map[InodeID]map[string]InodeID `json:"directory"`
	FileAttrs   map[InodeID]FileAttr           `json:"file_attr"`
	InodeToHash map[InodeID]string             `json:"inode_to_hash"`
}

// New returns an empty manifest with its root directory pre-populated, seed
// being the first inode to hand out for this image's non-root entries.
func New(seed InodeID) *Manifest {
	return &Manifest{
		NextInode:   seed,
		Directory:   map[InodeID]map[string]InodeID{RootInodeID: {}},
		FileAttrs:   map[InodeID]FileAttr{},
		InodeToHash: map[InodeID]string{},
	}
}

// Children returns the directory listing for dir, or nil if dir is absent
// or is not a directory.
func (m *Manifest) Children(dir InodeID) map[string]InodeID {
	return m.Directory[dir]
}

// Lookup resolves name within dir, reporting whether it was found.
func (m *Manifest) Lookup(dir InodeID, name string) (InodeID, bool) {
	children, ok := m.Directory[dir]
	if !ok {
		return 0, false
	}
	id, ok := children[name]
	return id, ok
}

// Attr returns the attributes of ino, reporting whether ino exists.
func (m *Manifest) Attr(ino InodeID) (FileAttr, bool) {
	attr, ok := m.FileAttrs[ino]
	return attr, ok
}

// Hash returns the content hash backing the regular file ino.
func (m *Manifest) Hash(ino InodeID) (string, bool) {
	h, ok := m.InodeToHash[ino]
	return h, ok
}
