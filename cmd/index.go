// Copyright 2024 Google Inc. All Rights Reserved.
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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shubhamai/silofs/internal/blobstore"
	"github.com/shubhamai/silofs/internal/container"
	"github.com/shubhamai/silofs/internal/indexer"
	"github.com/shubhamai/silofs/internal/logger"
	"github.com/shubhamai/silofs/internal/manifestdb"
)

var indexCmd = &cobra.Command{
	Use:   "index <image_name>",
	Short: "Pull, mount, and index a container image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(args[0])
	},
}

func runIndex(imageName string) error {
	handle, err := container.PullAndMount(imageName)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	defer handle.Cleanup()

	blobs, err := blobstore.Open(Config.ContentDir)
	if err != nil {
		return fmt.Errorf("index: opening blob store: %w", err)
	}

	db, err := manifestdb.Open(Config.ManifestDBPath)
	if err != nil {
		return fmt.Errorf("index: opening manifest database: %w", err)
	}

	summary, err := indexer.Index(indexer.Config{
		ImageName: imageName,
		RootPath:  handle.MountPath,
		Blobs:     blobs,
		DB:        db,
		Progress: func(processed, total int) {
			if processed%500 == 0 {
				logger.Infof("index: %s: %d/%d entries processed", imageName, processed, total)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	logger.Infof("index: %s indexed: %d inodes, %d bytes stored in %s",
		summary.ImageName, summary.InodeCount, summary.BytesStored, summary.Duration)
	return nil
}
