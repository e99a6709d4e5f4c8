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

// Package cmd implements the silofs operator CLI: index, list, serve, and
// mount.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shubhamai/silofs/cfg"
	"github.com/shubhamai/silofs/internal/logger"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// Config is the resolved, process-wide configuration, populated from
	// flags and, optionally, a YAML config file before any subcommand runs.
	Config cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "silofs",
	Short: "Index, serve, and mount container images as content-addressed filesystems",
	Long: `silofs indexes a container image into a content-addressed blob
store plus a directory manifest, serves that content over a long-lived
framed socket, and mounts it read-only via FUSE for sandboxed function
execution.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		return logger.Init(logger.Config{
			Severity:   logger.Severity(Config.Logging.Severity),
			Format:     logger.Format(Config.Logging.Format),
			LogFile:    Config.Logging.LogFile,
			MaxSizeMB:  Config.Logging.MaxSizeMB,
			MaxBackups: Config.Logging.MaxBackups,
			MaxAgeDays: Config.Logging.MaxAgeDays,
		})
	},
}

// Execute runs the root command, exiting the process with a nonzero status
// and a diagnostic on stderr on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mountCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}
	unmarshalErr = viper.Unmarshal(&Config)
}
