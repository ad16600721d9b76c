package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config with string durations and optional booleans
// so that absent keys leave defaults alone.
type FileConfig struct {
	Memory string `toml:"memory" yaml:"memory"`

	Indexes FileIndexes `toml:"indexes" yaml:"indexes"`

	Compression   string `toml:"compression" yaml:"compression"`
	Durability    string `toml:"durability" yaml:"durability"`
	CapacityBytes uint64 `toml:"capacity_bytes" yaml:"capacity_bytes"`
	TicketKey     string `toml:"ticket_key" yaml:"ticket_key"`
	ModelKey      string `toml:"model_key" yaml:"model_key"`
	CacheBytes    int64  `toml:"cache_bytes" yaml:"cache_bytes"`

	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`

	OpenAI FileOpenAI `toml:"openai" yaml:"openai"`
	Backup FileBackup `toml:"backup" yaml:"backup"`
	Watch  FileWatch  `toml:"watch" yaml:"watch"`
}

// FileIndexes is the [indexes] table.
type FileIndexes struct {
	Lex     *bool `toml:"lex" yaml:"lex"`
	Vec     *bool `toml:"vec" yaml:"vec"`
	VecDim  int   `toml:"vec_dim" yaml:"vec_dim"`
	Clip    *bool `toml:"clip" yaml:"clip"`
	ClipDim int   `toml:"clip_dim" yaml:"clip_dim"`
	Time    *bool `toml:"time" yaml:"time"`
	Mesh    *bool `toml:"mesh" yaml:"mesh"`
	Sketch  *bool `toml:"sketch" yaml:"sketch"`
}

// FileOpenAI is the [openai] table.
type FileOpenAI struct {
	APIKey  string `toml:"api_key" yaml:"api_key"`
	Model   string `toml:"model" yaml:"model"`
	BaseURL string `toml:"base_url" yaml:"base_url"`
}

// FileBackup is the [backup] table.
type FileBackup struct {
	Target       string `toml:"target" yaml:"target"`
	Dir          string `toml:"dir" yaml:"dir"`
	Bucket       string `toml:"bucket" yaml:"bucket"`
	Prefix       string `toml:"prefix" yaml:"prefix"`
	Region       string `toml:"region" yaml:"region"`
	Endpoint     string `toml:"endpoint" yaml:"endpoint"`
	AccessKey    string `toml:"access_key" yaml:"access_key"`
	SecretKey    string `toml:"secret_key" yaml:"secret_key"`
	Insecure     *bool  `toml:"insecure" yaml:"insecure"`
	CatalogTable string `toml:"catalog_table" yaml:"catalog_table"`
	RateLimit    int    `toml:"rate_limit" yaml:"rate_limit"`
}

// FileWatch is the [watch] table.
type FileWatch struct {
	Pattern  string `toml:"pattern" yaml:"pattern"`
	Track    string `toml:"track" yaml:"track"`
	Debounce string `toml:"debounce" yaml:"debounce"`
}

// LoadFileConfig reads a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as TOML.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = toml.Unmarshal(b, &fc)
	}
	if err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.memvault/config.toml, or "" without a home
// directory.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".memvault", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies fc to cfg, skipping values whose flag is in
// changed.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("memory", fc.Memory, &cfg.Memory)

	s.setBool("lex", fc.Indexes.Lex, &cfg.Lex)
	s.setBool("vec", fc.Indexes.Vec, &cfg.Vec)
	s.setInt("vec-dim", fc.Indexes.VecDim, &cfg.VecDim)
	s.setBool("clip", fc.Indexes.Clip, &cfg.Clip)
	s.setInt("clip-dim", fc.Indexes.ClipDim, &cfg.ClipDim)
	s.setBool("time", fc.Indexes.Time, &cfg.Time)
	s.setBool("mesh", fc.Indexes.Mesh, &cfg.Mesh)
	s.setBool("sketch", fc.Indexes.Sketch, &cfg.Sketch)

	s.setString("compression", fc.Compression, &cfg.Compression)
	s.setString("durability", fc.Durability, &cfg.Durability)
	s.setUint64("capacity", fc.CapacityBytes, &cfg.CapacityBytes)
	s.setString("ticket-key", fc.TicketKey, &cfg.TicketKey)
	s.setString("model-key", fc.ModelKey, &cfg.ModelKey)
	s.setInt64("cache-bytes", fc.CacheBytes, &cfg.CacheBytes)

	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-format", fc.LogFormat, &cfg.LogFormat)

	s.setString("api-key", fc.OpenAI.APIKey, &cfg.APIKey)
	s.setString("openai-model", fc.OpenAI.Model, &cfg.OpenAIModel)
	s.setString("openai-url", fc.OpenAI.BaseURL, &cfg.OpenAIURL)

	s.setString("target", fc.Backup.Target, &cfg.Backup.Target)
	s.setString("dir", fc.Backup.Dir, &cfg.Backup.Dir)
	s.setString("bucket", fc.Backup.Bucket, &cfg.Backup.Bucket)
	s.setString("prefix", fc.Backup.Prefix, &cfg.Backup.Prefix)
	s.setString("region", fc.Backup.Region, &cfg.Backup.Region)
	s.setString("endpoint", fc.Backup.Endpoint, &cfg.Backup.Endpoint)
	s.setString("access-key", fc.Backup.AccessKey, &cfg.Backup.AccessKey)
	s.setString("secret-key", fc.Backup.SecretKey, &cfg.Backup.SecretKey)
	s.setBool("insecure", fc.Backup.Insecure, &cfg.Backup.Insecure)
	s.setString("catalog-table", fc.Backup.CatalogTable, &cfg.Backup.CatalogTable)
	s.setInt("rate-limit", fc.Backup.RateLimit, &cfg.Backup.RateLimit)

	s.setString("pattern", fc.Watch.Pattern, &cfg.WatchPattern)
	s.setString("track", fc.Watch.Track, &cfg.WatchTrack)
	return s.setDuration("debounce", fc.Watch.Debounce, &cfg.WatchDebounce)
}

// FileExists reports whether p exists.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
