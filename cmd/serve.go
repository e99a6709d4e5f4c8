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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shubhamai/silofs/internal/blobstore"
	"github.com/shubhamai/silofs/internal/contentserver"
	"github.com/shubhamai/silofs/internal/logger"
	"github.com/shubhamai/silofs/internal/manifestdb"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the content server, serving manifests and blobs over TCP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	blobs, err := blobstore.Open(Config.ContentDir)
	if err != nil {
		return fmt.Errorf("serve: opening blob store: %w", err)
	}

	db, err := manifestdb.Open(Config.ManifestDBPath)
	if err != nil {
		return fmt.Errorf("serve: opening manifest database: %w", err)
	}

	srv := contentserver.New(contentserver.Config{
		ListenHost:        Config.ListenHost,
		ListenPort:        Config.ListenPort,
		Blobs:             blobs,
		ManifestDB:        db,
		BlobCacheCapacity: Config.BlobCacheCapacity,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("serve: starting content server on %s:%d", Config.ListenHost, Config.ListenPort)
	return srv.Serve(ctx)
}
