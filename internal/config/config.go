package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the stonxx dashboard and its
// ingestion pipeline.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Ingest    Ingest          `yaml:"ingest"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs. BaseURL points
// at the trading API (used for the calendar); DataURL at the market-data API.
type Alpaca struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	BaseURL    string `yaml:"base_url"`
	DataURL    string `yaml:"data_url"`
	Feed       string `yaml:"feed"`
	Adjustment string `yaml:"adjustment"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Ingest holds tuning parameters for catch-up and backfill runs.
type Ingest struct {
	ChunkSize    int    `yaml:"chunk_size"`    // symbols per bars request
	PauseMS      int    `yaml:"pause_ms"`      // pause between symbol groups
	CooldownMS   int    `yaml:"cooldown_ms"`   // backoff after a 429
	BackfillDays int    `yaml:"backfill_days"` // coarse backfill lookback
	IngestBin    string `yaml:"ingest_bin"`    // path to the stonxx-ingest binary
}

// SchedulerConfig controls the background freshness loops in the server.
type SchedulerConfig struct {
	Realtime bool `yaml:"realtime"` // minute-aligned fine-resolution loop
	Periodic bool `yaml:"periodic"` // cron-driven medium/coarse refresh
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// DefaultPath is the config file used when STONXX_CONFIG is not set.
const DefaultPath = "config/stonxx.yaml"

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills in
// defaults for unset tuning parameters.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// ValidateAlpaca reports whether the configuration carries everything the
// provider client needs. Binaries that talk to the upstream API call this at
// startup and treat a failure as fatal.
func (c *Config) ValidateAlpaca() error {
	if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
		return fmt.Errorf("alpaca credentials not configured (set alpaca.api_key/api_secret or APCA_API_KEY_ID/APCA_API_SECRET_KEY)")
	}
	if c.Alpaca.DataURL == "" {
		return fmt.Errorf("alpaca.data_url not configured")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.Adjustment == "" {
		cfg.Alpaca.Adjustment = "raw"
	}
	if cfg.Ingest.ChunkSize <= 0 {
		cfg.Ingest.ChunkSize = 100
	}
	if cfg.Ingest.PauseMS <= 0 {
		cfg.Ingest.PauseMS = 150
	}
	if cfg.Ingest.CooldownMS <= 0 {
		cfg.Ingest.CooldownMS = 2000
	}
	if cfg.Ingest.BackfillDays <= 0 {
		cfg.Ingest.BackfillDays = 56
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "stonxx.db"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
