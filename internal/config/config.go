package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration file.
type Config struct {
	ListenAddr        string   `toml:"listen_addr"`
	DBPath            string   `toml:"db_path"`
	LogPath           string   `toml:"log_path"`
	PageSize          int      `toml:"page_size"`
	EncryptionEnabled bool     `toml:"encryption_enabled"`
	EncryptionSecret  string   `toml:"encryption_secret"`
	AutoMarkRead      bool     `toml:"auto_mark_read"`
	TypingExpiryMS    int      `toml:"typing_expiry_ms"`
	MaxSendRetries    int      `toml:"max_send_retries"`
	PresenceEnabled   bool     `toml:"presence_enabled"`
	TrustedLinkHosts  []string `toml:"trusted_link_hosts"`
}

// Default returns a config with sane defaults filled in.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8086",
		DBPath:          "careline.db",
		PageSize:        50,
		AutoMarkRead:    true,
		TypingExpiryMS:  3000,
		MaxSendRetries:  3,
		PresenceEnabled: true,
	}
}

// TypingExpiry returns the typing auto-expiry as a duration.
func (c *Config) TypingExpiry() time.Duration {
	return time.Duration(c.TypingExpiryMS) * time.Millisecond
}

// Load reads config from the given path, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.TypingExpiryMS <= 0 {
		cfg.TypingExpiryMS = 3000
	}
	if cfg.MaxSendRetries <= 0 {
		cfg.MaxSendRetries = 3
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
