// Package engine drives triage extraction: per-stream recursion through
// sniffing, archive walking, format extraction and content scanning, and a
// parallel batch orchestrator that survives any single hostile input.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/maldoc/archive"
	"github.com/hazyhaar/maldoc/scan"
)

// Config holds the full engine configuration. The zero value works: every
// field falls back to its documented default.
type Config struct {
	// MaxDepth bounds archive nesting. Depth 0 is the top-level file.
	MaxDepth int `yaml:"max_depth"`

	// MaxTotalBytes caps cumulative decompressed bytes per record tree.
	MaxTotalBytes int64 `yaml:"max_total_bytes"`

	// MaxMembers caps archive members expanded per record tree.
	MaxMembers int `yaml:"max_members"`

	// MaxMemberBytes caps one decompressed member.
	MaxMemberBytes int64 `yaml:"max_member_bytes"`

	// MaxFileSize caps a top-level input file (default 256 MiB).
	MaxFileSize int64 `yaml:"max_file_size"`

	// FileTimeout is the wall-clock budget for one top-level file
	// (default 2m). Parser hangs on crafted input are expected here.
	// Set in YAML as file_timeout with a Go duration string ("90s", "2m");
	// yaml.v3 cannot decode those itself, so LoadConfig parses it.
	FileTimeout time.Duration `yaml:"-"`

	// MinEncodedLen is the scanner's minimum base64/base32 candidate
	// length (default 16).
	MinEncodedLen int `yaml:"min_encoded_len"`

	// Workers is the number of top-level files processed in parallel
	// (default NumCPU).
	Workers int `yaml:"workers"`

	// Logger for debug/error messages.
	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = archive.DefaultLimits().MaxDepth
	}
	if c.MaxTotalBytes <= 0 {
		c.MaxTotalBytes = archive.DefaultLimits().MaxTotalBytes
	}
	if c.MaxMembers <= 0 {
		c.MaxMembers = archive.DefaultLimits().MaxMembers
	}
	if c.MaxMemberBytes <= 0 {
		c.MaxMemberBytes = archive.DefaultLimits().MaxMemberBytes
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 256 << 20
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = 2 * time.Minute
	}
	if c.MinEncodedLen <= 0 {
		c.MinEncodedLen = scan.DefaultMinEncodedLen
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// limits returns the archive limits slice of the configuration.
func (c *Config) limits() archive.Limits {
	return archive.Limits{
		MaxDepth:       c.MaxDepth,
		MaxTotalBytes:  c.MaxTotalBytes,
		MaxMembers:     c.MaxMembers,
		MaxMemberBytes: c.MaxMemberBytes,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	var durations struct {
		FileTimeout string `yaml:"file_timeout"`
	}
	if err := yaml.Unmarshal(data, &durations); err == nil && durations.FileTimeout != "" {
		d, err := time.ParseDuration(durations.FileTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: file_timeout: %w", path, err)
		}
		cfg.FileTimeout = d
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot be defaulted into sanity.
func (c *Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if c.MaxMemberBytes > 0 && c.MaxTotalBytes > 0 && c.MaxMemberBytes > c.MaxTotalBytes {
		return fmt.Errorf("max_member_bytes exceeds max_total_bytes")
	}
	return nil
}
