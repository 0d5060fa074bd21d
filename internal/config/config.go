package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents <datadir>/config.toml.
type Config struct {
	ListenAddr string `toml:"listen_addr"`

	Transport Transport `toml:"transport"`
	Sync      Sync      `toml:"sync"`
	RateLimit RateLimit `toml:"rate_limit"`
	Pacing    Pacing    `toml:"pacing"`
	Jobs      Jobs      `toml:"jobs"`
	Accounts  []Account `toml:"accounts"`
}

// Account seeds one managed account into the store at startup. The
// session file path is derived from the data directory unless
// session_path overrides it.
type Account struct {
	Phone       string `toml:"phone"`
	Name        string `toml:"name"`
	APIID       int    `toml:"api_id"`
	APIHash     string `toml:"api_hash"`
	Proxy       string `toml:"proxy"`
	SessionPath string `toml:"session_path"`
}

// Transport holds connection-level settings shared by all accounts.
// Per-account API credentials live in the accounts table.
type Transport struct {
	ConnectTimeoutSec int `toml:"connect_timeout_sec"`
}

// Sync holds the scheduler intervals, in seconds.
type Sync struct {
	DialogIntervalSec   int `toml:"dialog_interval_sec"`
	BackfillIntervalSec int `toml:"backfill_interval_sec"`
	FullIntervalSec     int `toml:"full_interval_sec"`
	BackfillLimit       int `toml:"backfill_limit"`
	HistoryPageSize     int `toml:"history_page_size"`
}

// RateLimit holds the outbound-send guard settings.
type RateLimit struct {
	DailyCap      int `toml:"daily_cap"`
	MinSpacingSec int `toml:"min_spacing_sec"`
}

// Pacing holds the bulk-import batch scheduler settings.
type Pacing struct {
	BatchMin         int     `toml:"batch_min"`
	BatchMax         int     `toml:"batch_max"`
	ItemDelayMinSec  float64 `toml:"item_delay_min_sec"`
	ItemDelayMaxSec  float64 `toml:"item_delay_max_sec"`
	BatchDelayMinSec float64 `toml:"batch_delay_min_sec"`
	BatchDelayMaxSec float64 `toml:"batch_delay_max_sec"`
	SlowdownFactor   float64 `toml:"slowdown_factor"`
	GenericFloodSec  int     `toml:"generic_flood_sec"`
	FloodMarginSec   int     `toml:"flood_margin_sec"`
}

// Jobs holds the orchestrator settings.
type Jobs struct {
	LockTimeoutSec   int `toml:"lock_timeout_sec"`
	FlushIntervalSec int `toml:"flush_interval_sec"`
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8787",
		Transport: Transport{
			ConnectTimeoutSec: 30,
		},
		Sync: Sync{
			DialogIntervalSec:   30 * 60,
			BackfillIntervalSec: 5 * 60,
			FullIntervalSec:     12 * 60 * 60,
			BackfillLimit:       100,
			HistoryPageSize:     100,
		},
		RateLimit: RateLimit{
			DailyCap:      40,
			MinSpacingSec: 30,
		},
		Pacing: Pacing{
			BatchMin:         8,
			BatchMax:         15,
			ItemDelayMinSec:  3,
			ItemDelayMaxSec:  8,
			BatchDelayMinSec: 60,
			BatchDelayMaxSec: 180,
			SlowdownFactor:   2.0,
			GenericFloodSec:  300,
			FloodMarginSec:   10,
		},
		Jobs: Jobs{
			LockTimeoutSec:   60,
			FlushIntervalSec: 5,
		},
	}
}

// Load reads config from the given path, falling back to defaults for a
// missing file. A malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
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

// ConnectTimeout returns the transport connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Transport.ConnectTimeoutSec) * time.Second
}

// MinSpacing returns the minimum inter-send spacing as a duration.
func (r RateLimit) MinSpacing() time.Duration {
	return time.Duration(r.MinSpacingSec) * time.Second
}

// LockTimeout returns the account lock timeout as a duration.
func (j Jobs) LockTimeout() time.Duration {
	return time.Duration(j.LockTimeoutSec) * time.Second
}

// FlushInterval returns the batched writer flush interval as a duration.
func (j Jobs) FlushInterval() time.Duration {
	return time.Duration(j.FlushIntervalSec) * time.Second
}
