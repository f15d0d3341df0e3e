package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.crmsync/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Backend        Backend `toml:"backend"`
	Gateway        Gateway `toml:"gateway"`
	API            API     `toml:"api"`
	Sync           Sync    `toml:"sync"`
}

// Backend holds the hosted data store connection settings.
type Backend struct {
	URL     string `toml:"url"`
	FeedURL string `toml:"feed_url"`
	APIKey  string `toml:"api_key"`
}

// Gateway holds the outbound messaging gateway settings.
type Gateway struct {
	URL  string `toml:"url"`
	From string `toml:"from"`
}

// API holds the local HTTP API settings.
type API struct {
	Listen string `toml:"listen"`
}

// Sync holds refresh and ingest tuning.
type Sync struct {
	RefreshDebounceMs int      `toml:"refresh_debounce_ms"`
	Collections       []string `toml:"collections"`
}

// DefaultCollections are the CRM collections kept in the local cache.
var DefaultCollections = []string{
	"contacts",
	"leads",
	"customers",
	"tickets",
	"contact_reminders",
	"lead_followups",
	"appointment_reminders",
}

// Default returns a config with defaults applied for unset fields.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		API:            API{Listen: "127.0.0.1:8790"},
		Sync: Sync{
			RefreshDebounceMs: 2000,
			Collections:       DefaultCollections,
		},
	}
}

// RefreshDebounce returns the refresh debounce window as a duration.
func (c *Config) RefreshDebounce() time.Duration {
	if c.Sync.RefreshDebounceMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Sync.RefreshDebounceMs) * time.Millisecond
}

// Load reads config from the given path and applies defaults to unset
// fields. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8790"
	}
	if len(cfg.Sync.Collections) == 0 {
		cfg.Sync.Collections = DefaultCollections
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
