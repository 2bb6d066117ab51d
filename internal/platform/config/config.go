package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "flowsync.yaml"

type Config struct {
	DataDir           string        `yaml:"data_dir"`
	UserID            string        `yaml:"user_id"`
	Room              string        `yaml:"room"`
	LocalDSN          string        `yaml:"local_dsn"`
	RemoteDSN         string        `yaml:"remote_dsn"`
	KeysDSN           string        `yaml:"keys_dsn"`
	Encrypt           bool          `yaml:"encrypt"`
	Debounce          time.Duration `yaml:"debounce"`
	MinPushInterval   time.Duration `yaml:"min_push_interval"`
	PushTimeout       time.Duration `yaml:"push_timeout"`
	RemoteLoadTimeout time.Duration `yaml:"remote_load_timeout"`
	BackupInterval    time.Duration `yaml:"backup_interval"`
	BackupRetention   time.Duration `yaml:"backup_retention"`
	LogLevel          string        `yaml:"log_level"`
	RelayListen       string        `yaml:"relay_listen"`
}

func Default(dataDir string) Config {
	return Config{
		DataDir:           dataDir,
		Room:              "default",
		LocalDSN:          "sqlite://" + filepath.Join(dataDir, "flowsync.db"),
		RemoteDSN:         "memory://",
		Debounce:          time.Second,
		MinPushInterval:   5 * time.Second,
		PushTimeout:       15 * time.Second,
		RemoteLoadTimeout: 10 * time.Second,
		BackupInterval:    time.Hour,
		BackupRetention:   72 * time.Hour,
		LogLevel:          "info",
		RelayListen:       "127.0.0.1:8787",
	}
}

// Load reads path (or <dataDir>/flowsync.yaml when path is empty) over the
// defaults. A missing file is not an error.
func Load(dataDir, path string) (Config, error) {
	if strings.TrimSpace(dataDir) == "" {
		return Config{}, fmt.Errorf("data dir is required")
	}
	cfg := Default(dataDir)
	if path == "" {
		path = filepath.Join(dataDir, FileName)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Debounce < 0 || c.MinPushInterval < 0 || c.PushTimeout < 0 || c.RemoteLoadTimeout < 0 ||
		c.BackupInterval < 0 || c.BackupRetention < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if strings.TrimSpace(c.LocalDSN) == "" {
		return fmt.Errorf("local_dsn is required")
	}
	return nil
}

// EffectiveKeysDSN falls back to the remote DSN when no dedicated key store
// is configured and the remote backend can also hold key records.
func (c Config) EffectiveKeysDSN() string {
	if strings.TrimSpace(c.KeysDSN) != "" {
		return c.KeysDSN
	}
	lower := strings.ToLower(c.RemoteDSN)
	for _, prefix := range []string{"memory:", "postgres:", "postgresql:", "redis:", "rediss:"} {
		if strings.HasPrefix(lower, prefix) {
			return c.RemoteDSN
		}
	}
	return ""
}
