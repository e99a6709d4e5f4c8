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

// Package cfg holds the configuration structures bound to the silofs CLI's
// flags and, optionally, a YAML config file.
package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Severity   LogSeverity `mapstructure:"severity"`
	Format     LogFormat   `mapstructure:"format"`
	LogFile    string      `mapstructure:"log-file"`
	MaxSizeMB  int         `mapstructure:"max-size-mb"`
	MaxBackups int         `mapstructure:"max-backups"`
	MaxAgeDays int         `mapstructure:"max-age-days"`
}

// Config is the full silofs configuration, shared by every subcommand.
type Config struct {
	// ContentDir is the root of the flat, content-addressed blob store.
	ContentDir string `mapstructure:"content-dir"`
	// ManifestDBPath is the path to the bbolt-backed manifest database.
	ManifestDBPath string `mapstructure:"manifest-db"`

	// ListenHost and ListenPort address the content server.
	ListenHost string `mapstructure:"listen-host"`
	ListenPort int    `mapstructure:"listen-port"`

	// BlobCacheCapacity bounds the content server's in-memory blob LRU.
	BlobCacheCapacity int `mapstructure:"blob-cache-capacity"`

	// AttrTTLSecs is the attribute-cache TTL the mounted filesystem reports
	// to the kernel for every inode.
	AttrTTLSecs int `mapstructure:"attr-ttl-secs"`

	// DefaultUID and DefaultGID own every inode reported by the mounted
	// filesystem.
	DefaultUID uint32 `mapstructure:"default-uid"`
	DefaultGID uint32 `mapstructure:"default-gid"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// BindFlags registers every config field as a long flag on fs, matching the
// mapstructure tag names above.
func BindFlags(fs *pflag.FlagSet) error {
	fs.String("content-dir", "./content", "root directory of the content-addressed blob store")
	fs.String("manifest-db", "./indexer.db", "path to the manifest database")
	fs.String("listen-host", "127.0.0.1", "content server listen host")
	fs.Int("listen-port", 8080, "content server listen port")
	fs.Int("blob-cache-capacity", 10000, "maximum number of blobs cached in memory by the content server")
	fs.Int("attr-ttl-secs", 20, "attribute cache TTL reported to the kernel, in seconds")
	fs.Uint32("default-uid", 1000, "uid reported for every inode in a mounted image")
	fs.Uint32("default-gid", 1000, "gid reported for every inode in a mounted image")
	fs.String("logging.severity", string(InfoLogSeverity), "log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	fs.String("logging.format", string(TextLogFormat), "log format: text or json")
	fs.String("logging.log-file", "", "path to a log file; rotated via lumberjack. Empty means stderr")
	fs.Int("logging.max-size-mb", 100, "maximum size in megabytes of the log file before rotation")
	fs.Int("logging.max-backups", 5, "maximum number of rotated log files to retain")
	fs.Int("logging.max-age-days", 28, "maximum age in days of a rotated log file")

	if err := viper.BindPFlags(fs); err != nil {
		return fmt.Errorf("cfg: binding flags: %w", err)
	}
	return nil
}
