// Package cliconfig resolves the configuration of the memvault command from
// a config file, MEMVAULT_* environment variables and flags. Flags win over
// the environment, which wins over the file.
package cliconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Backup targets.
const (
	TargetLocal = "local"
	TargetS3    = "s3"
	TargetMinIO = "minio"
)

// Config holds the CLI configuration.
type Config struct {
	Memory string

	Lex     bool
	Vec     bool
	VecDim  int
	Clip    bool
	ClipDim int
	Time    bool
	Mesh    bool
	Sketch  bool

	Compression   string
	Durability    string
	CapacityBytes uint64
	TicketKey     string
	ModelKey      string
	CacheBytes    int64

	LogLevel  string
	LogFormat string

	APIKey      string
	OpenAIModel string
	OpenAIURL   string

	Backup BackupConfig

	WatchPattern  string
	WatchTrack    string
	WatchDebounce time.Duration
}

// BackupConfig selects and configures the backup target.
type BackupConfig struct {
	Target       string
	Dir          string
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Insecure     bool
	CatalogTable string
	// RateLimit caps backup and restore transfers in bytes per second.
	RateLimit int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Lex:           true,
		Time:          true,
		Compression:   "lz4",
		Durability:    "commit",
		LogLevel:      "info",
		LogFormat:     "text",
		OpenAIModel:   "gpt-4o-mini",
		Backup:        BackupConfig{Target: TargetLocal},
		WatchPattern:  "**.{md,txt}",
		WatchDebounce: 500 * time.Millisecond,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Vec && c.VecDim <= 0 {
		return fmt.Errorf("vec-dim must be positive when the vector index is enabled")
	}
	if c.Clip && c.ClipDim <= 0 {
		return fmt.Errorf("clip-dim must be positive when the clip index is enabled")
	}
	switch strings.ToLower(c.Durability) {
	case "commit", "sync":
	default:
		return fmt.Errorf("unknown durability %q", c.Durability)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	switch c.Backup.Target {
	case TargetLocal, TargetS3, TargetMinIO:
	default:
		return fmt.Errorf("unknown backup target %q", c.Backup.Target)
	}
	if c.Backup.CatalogTable != "" && c.Backup.Target != TargetS3 {
		return fmt.Errorf("catalog-table requires the s3 backup target")
	}
	if c.Backup.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative")
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("watch debounce must not be negative")
	}
	return nil
}

// Masked returns a copy safe to log.
func (c Config) Masked() Config {
	if c.APIKey != "" {
		c.APIKey = "*****"
	}
	if c.Backup.SecretKey != "" {
		c.Backup.SecretKey = "*****"
	}
	return c
}

// configSetter applies values unless the corresponding flag was set
// explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setUint64(flag string, value uint64, dst *uint64) {
	if value == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses environment values.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	s.setInt(flag, i, dst)
	return nil
}

func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	s.setInt64(flag, i, dst)
	return nil
}

func (s *configSetter) setUint64FromString(flag, value string, dst *uint64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	s.setUint64(flag, i, dst)
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
