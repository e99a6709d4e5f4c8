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

	"github.com/shubhamai/silofs/internal/manifestdb"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every indexed image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd)
	},
}

func runList(cmd *cobra.Command) error {
	db, err := manifestdb.Open(Config.ManifestDBPath)
	if err != nil {
		return fmt.Errorf("list: opening manifest database: %w", err)
	}

	names, err := db.ListImages()
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No images indexed yet.")
		return nil
	}

	for i, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, name)
	}
	return nil
}
