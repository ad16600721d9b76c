package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"vec without dim", func(c *Config) { c.Vec = true }, true},
		{"vec with dim", func(c *Config) { c.Vec, c.VecDim = true, 384 }, false},
		{"clip without dim", func(c *Config) { c.Clip = true }, true},
		{"bad durability", func(c *Config) { c.Durability = "eventually" }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"bad target", func(c *Config) { c.Backup.Target = "ftp" }, true},
		{"catalog needs s3", func(c *Config) { c.Backup.CatalogTable = "backups" }, true},
		{"catalog on s3", func(c *Config) { c.Backup.Target, c.Backup.CatalogTable = TargetS3, "backups" }, false},
		{"negative rate limit", func(c *Config) { c.Backup.RateLimit = -1 }, true},
		{"negative debounce", func(c *Config) { c.WatchDebounce = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMasked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "sk-secret"
	cfg.Backup.SecretKey = "minio-secret"

	m := cfg.Masked()
	assert.Equal(t, "*****", m.APIKey)
	assert.Equal(t, "*****", m.Backup.SecretKey)
	assert.Equal(t, "sk-secret", cfg.APIKey)
}

func TestLoadFileConfigTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory = "/data/agent.mv"
compression = "zstd"
capacity_bytes = 1048576

[indexes]
vec = true
vec_dim = 3
mesh = true

[backup]
target = "s3"
bucket = "memories"
catalog_table = "memvault-backups"

[watch]
debounce = "2s"
`), 0o600))

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)

	cfg := DefaultConfig()
	require.NoError(t, ApplyFileConfig(&cfg, fc, map[string]bool{}))
	assert.Equal(t, "/data/agent.mv", cfg.Memory)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, uint64(1<<20), cfg.CapacityBytes)
	assert.True(t, cfg.Vec)
	assert.Equal(t, 3, cfg.VecDim)
	assert.True(t, cfg.Mesh)
	assert.True(t, cfg.Lex, "absent keys keep defaults")
	assert.Equal(t, TargetS3, cfg.Backup.Target)
	assert.Equal(t, "memories", cfg.Backup.Bucket)
	assert.Equal(t, 2*time.Second, cfg.WatchDebounce)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory: notes.mv
indexes:
  lex: false
  sketch: true
openai:
  model: gpt-4o
log_format: json
`), 0o600))

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)

	cfg := DefaultConfig()
	require.NoError(t, ApplyFileConfig(&cfg, fc, map[string]bool{}))
	assert.Equal(t, "notes.mv", cfg.Memory)
	assert.False(t, cfg.Lex)
	assert.True(t, cfg.Sketch)
	assert.Equal(t, "gpt-4o", cfg.OpenAIModel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFileConfigErrors(t *testing.T) {
	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("memory = "), 0o600))
	_, err = LoadFileConfig(path)
	assert.Error(t, err)
}

func TestApplyFileConfigRespectsFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory = "/flag.mv"
	fc := FileConfig{Memory: "/file.mv", Compression: "none"}

	require.NoError(t, ApplyFileConfig(&cfg, fc, map[string]bool{"memory": true}))
	assert.Equal(t, "/flag.mv", cfg.Memory)
	assert.Equal(t, "none", cfg.Compression)
}

func TestApplyFileConfigBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyFileConfig(&cfg, FileConfig{Watch: FileWatch{Debounce: "soon"}}, map[string]bool{})
	assert.Error(t, err)
}

func TestApplyEnvConfig(t *testing.T) {
	t.Setenv("MEMVAULT_MEMORY", "/env.mv")
	t.Setenv("MEMVAULT_VEC", "true")
	t.Setenv("MEMVAULT_VEC_DIM", "8")
	t.Setenv("MEMVAULT_CAPACITY_BYTES", "4096")
	t.Setenv("MEMVAULT_BACKUP_TARGET", "minio")
	t.Setenv("MEMVAULT_BACKUP_INSECURE", "1")
	t.Setenv("MEMVAULT_BACKUP_RATE_LIMIT", "1048576")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("MEMVAULT_API_KEY", "")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnvConfig(&cfg, map[string]bool{"vec-dim": true}))
	assert.Equal(t, "/env.mv", cfg.Memory)
	assert.True(t, cfg.Vec)
	assert.Zero(t, cfg.VecDim)
	assert.Equal(t, uint64(4096), cfg.CapacityBytes)
	assert.Equal(t, TargetMinIO, cfg.Backup.Target)
	assert.True(t, cfg.Backup.Insecure)
	assert.Equal(t, 1<<20, cfg.Backup.RateLimit)
	assert.Equal(t, "sk-openai", cfg.APIKey)

	t.Setenv("MEMVAULT_API_KEY", "sk-memvault")
	require.NoError(t, ApplyEnvConfig(&cfg, map[string]bool{}))
	assert.Equal(t, "sk-memvault", cfg.APIKey)
}

func TestApplyEnvConfigInvalidNumber(t *testing.T) {
	t.Setenv("MEMVAULT_VEC_DIM", "many")
	cfg := DefaultConfig()
	assert.Error(t, ApplyEnvConfig(&cfg, map[string]bool{}))
}

func TestMemoryOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression = "zstd"
	cfg.CapacityBytes = 1 << 20
	opts, err := cfg.MemoryOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 6)

	cfg.Backup.RateLimit = 1 << 20
	opts, err = cfg.MemoryOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 7)

	cfg.Compression = "brotli"
	_, err = cfg.MemoryOptions()
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.TicketKey = "not-a-key"
	_, err = cfg.MemoryOptions()
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.LogLevel = "loud"
	_, err = cfg.MemoryOptions()
	assert.Error(t, err)
}
