package cliconfig

import "os"

// EnvPrefix prefixes every environment variable the CLI reads.
const EnvPrefix = "MEMVAULT_"

func getenv(name string) string { return os.Getenv(EnvPrefix + name) }

// ApplyEnvConfig applies MEMVAULT_* variables to cfg, skipping values whose
// flag is in changed. OPENAI_API_KEY is honored when MEMVAULT_API_KEY is
// unset.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("memory", getenv("MEMORY"), &cfg.Memory)

	s.setBoolFromString("lex", getenv("LEX"), &cfg.Lex)
	s.setBoolFromString("vec", getenv("VEC"), &cfg.Vec)
	if err := s.setIntFromString("vec-dim", getenv("VEC_DIM"), &cfg.VecDim); err != nil {
		return err
	}
	s.setBoolFromString("clip", getenv("CLIP"), &cfg.Clip)
	if err := s.setIntFromString("clip-dim", getenv("CLIP_DIM"), &cfg.ClipDim); err != nil {
		return err
	}
	s.setBoolFromString("time", getenv("TIME"), &cfg.Time)
	s.setBoolFromString("mesh", getenv("MESH"), &cfg.Mesh)
	s.setBoolFromString("sketch", getenv("SKETCH"), &cfg.Sketch)

	s.setString("compression", getenv("COMPRESSION"), &cfg.Compression)
	s.setString("durability", getenv("DURABILITY"), &cfg.Durability)
	if err := s.setUint64FromString("capacity", getenv("CAPACITY_BYTES"), &cfg.CapacityBytes); err != nil {
		return err
	}
	s.setString("ticket-key", getenv("TICKET_KEY"), &cfg.TicketKey)
	s.setString("model-key", getenv("MODEL_KEY"), &cfg.ModelKey)
	if err := s.setInt64FromString("cache-bytes", getenv("CACHE_BYTES"), &cfg.CacheBytes); err != nil {
		return err
	}

	s.setString("log-level", getenv("LOG_LEVEL"), &cfg.LogLevel)
	s.setString("log-format", getenv("LOG_FORMAT"), &cfg.LogFormat)

	s.setString("api-key", os.Getenv("OPENAI_API_KEY"), &cfg.APIKey)
	s.setString("api-key", getenv("API_KEY"), &cfg.APIKey)
	s.setString("openai-model", getenv("OPENAI_MODEL"), &cfg.OpenAIModel)
	s.setString("openai-url", getenv("OPENAI_BASE_URL"), &cfg.OpenAIURL)

	s.setString("target", getenv("BACKUP_TARGET"), &cfg.Backup.Target)
	s.setString("dir", getenv("BACKUP_DIR"), &cfg.Backup.Dir)
	s.setString("bucket", getenv("BACKUP_BUCKET"), &cfg.Backup.Bucket)
	s.setString("prefix", getenv("BACKUP_PREFIX"), &cfg.Backup.Prefix)
	s.setString("region", getenv("BACKUP_REGION"), &cfg.Backup.Region)
	s.setString("endpoint", getenv("BACKUP_ENDPOINT"), &cfg.Backup.Endpoint)
	s.setString("access-key", getenv("BACKUP_ACCESS_KEY"), &cfg.Backup.AccessKey)
	s.setString("secret-key", getenv("BACKUP_SECRET_KEY"), &cfg.Backup.SecretKey)
	s.setBoolFromString("insecure", getenv("BACKUP_INSECURE"), &cfg.Backup.Insecure)
	s.setString("catalog-table", getenv("BACKUP_CATALOG_TABLE"), &cfg.Backup.CatalogTable)
	if err := s.setIntFromString("rate-limit", getenv("BACKUP_RATE_LIMIT"), &cfg.Backup.RateLimit); err != nil {
		return err
	}

	s.setString("pattern", getenv("WATCH_PATTERN"), &cfg.WatchPattern)
	s.setString("track", getenv("WATCH_TRACK"), &cfg.WatchTrack)
	return s.setDuration("debounce", getenv("WATCH_DEBOUNCE"), &cfg.WatchDebounce)
}
