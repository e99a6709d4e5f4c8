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

package fsclient

import (
	"context"
	"fmt"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/shubhamai/silofs/internal/logger"
)

// MountedFS is one kernel-registered mount of an image. Multiple MountedFS
// instances can coexist in one process; mounts of the same image share its
// manifest and blob cache through their common Registry.
type MountedFS struct {
	ImageName  string
	Mountpoint string

	mfs *fuse.MountedFileSystem
}

// Mount mounts cfg's image read-only at mountpoint. The kernel session is
// served on its own background workers inside the FUSE library; Mount
// returns as soon as the mount is registered. Use Join to wait for teardown.
func Mount(cfg Config, mountpoint string) (*MountedFS, error) {
	fs, err := New(cfg)
	if err != nil {
		return nil, err
	}

	mfs, err := fuse.Mount(mountpoint, fuseutil.NewFileSystemServer(fs), mountConfig(cfg.ImageName))
	if err != nil {
		return nil, fmt.Errorf("fsclient: mounting %s at %s: %w", cfg.ImageName, mountpoint, err)
	}

	logger.Infof("fsclient: image %q mounted at %s", cfg.ImageName, mountpoint)
	return &MountedFS{ImageName: cfg.ImageName, Mountpoint: mountpoint, mfs: mfs}, nil
}

// Join blocks until the mount has been torn down.
func (m *MountedFS) Join(ctx context.Context) error {
	return m.mfs.Join(ctx)
}

// Unmount asks the kernel to tear the mount down.
func (m *MountedFS) Unmount() error {
	return fuse.Unmount(m.Mountpoint)
}

// mountConfig is the fixed option set every mount uses: read-only, fsname
// silofs, auto-unmount, allow-other, exec permitted.
func mountConfig(imageName string) *fuse.MountConfig {
	cfg := &fuse.MountConfig{
		FSName:     "silofs",
		Subtype:    "silofs",
		VolumeName: imageName,
		ReadOnly:   true,
		Options: map[string]string{
			"allow_other":  "",
			"auto_unmount": "",
			"exec":         "",
		},
		ErrorLogger: logger.NewLegacyLogger(logger.LevelError, "fuse: "),
	}

	if logger.Enabled(logger.LevelTrace) {
		cfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ")
	}

	return cfg
}
