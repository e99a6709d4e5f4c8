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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shubhamai/silofs/internal/fsclient"
	"github.com/shubhamai/silofs/internal/logger"
)

var mountCmd = &cobra.Command{
	Use:   "mount <image_name> <mount_point>",
	Short: "Mount an indexed image read-only at mount_point via FUSE",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(cmd.Context(), args[0], args[1])
	},
}

func runMount(ctx context.Context, imageName, mountPoint string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("mount: creating mount point %s: %w", mountPoint, err)
	}

	addr := fmt.Sprintf("%s:%d", Config.ListenHost, Config.ListenPort)
	registry, err := fsclient.NewRegistry(addr)
	if err != nil {
		return fmt.Errorf("mount: connecting to content server at %s: %w", addr, err)
	}
	defer registry.Close()

	mfs, err := fsclient.Mount(fsclient.Config{
		Registry:  registry,
		ImageName: imageName,
		UID:       Config.DefaultUID,
		GID:       Config.DefaultGID,
		AttrTTL:   time.Duration(Config.AttrTTLSecs) * time.Second,
	}, mountPoint)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- mfs.Join(context.Background()) }()

	select {
	case <-ctx.Done():
		logger.Infof("mount: unmounting %s", mountPoint)
		return mfs.Unmount()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}
		return nil
	}
}
