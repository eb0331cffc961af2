package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/rendis/promptflow/internal/scheduler"
)

// Config holds all promptflow server configuration.
// Priority: env vars > .env > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path" validate:"required"`
	LogLevel      string `json:"log_level" validate:"oneof=debug info warn warning error"`
	RulesPath     string `json:"rules_path,omitempty"`
	IDScheme      string `json:"id_scheme" validate:"oneof=uuid ulid counter"`
	Retention     string `json:"retention" validate:"required"`
	PruneSchedule string `json:"prune_schedule"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(promptflowDir(), "promptflow.db"),
		LogLevel:      "info",
		IDScheme:      "uuid",
		Retention:     "720h",
		PruneSchedule: scheduler.DefaultSchedule,
	}
}

func promptflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptflow"
	}
	return filepath.Join(home, ".promptflow")
}

func settingsPath() string {
	return filepath.Join(promptflowDir(), "settings.json")
}

// envKeys maps each PROMPTFLOW_* variable to the field it sets.
var envKeys = map[string]func(*Config, string){
	"PROMPTFLOW_DB_PATH":        func(c *Config, v string) { c.DBPath = v },
	"PROMPTFLOW_LOG_LEVEL":      func(c *Config, v string) { c.LogLevel = v },
	"PROMPTFLOW_RULES_PATH":     func(c *Config, v string) { c.RulesPath = v },
	"PROMPTFLOW_ID_SCHEME":      func(c *Config, v string) { c.IDScheme = v },
	"PROMPTFLOW_RETENTION":      func(c *Config, v string) { c.Retention = v },
	"PROMPTFLOW_PRUNE_SCHEDULE": func(c *Config, v string) { c.PruneSchedule = v },
}

var configValidate = validator.New()

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), ".env")
}

// loadConfigFrom layers settingsFile, then dotenvFile, then the process
// environment over the defaults. Missing files are skipped.
func loadConfigFrom(settingsFile, dotenvFile string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsFile); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", settingsFile, err)
	}

	dotenv, err := godotenv.Read(dotenvFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", dotenvFile, err)
	}

	for key, set := range envKeys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			set(&cfg, v)
		} else if v := dotenv[key]; v != "" {
			set(&cfg, v)
		}
	}

	if err := configValidate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.retention(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) retention() (time.Duration, error) {
	d, err := time.ParseDuration(c.Retention)
	if err != nil {
		return 0, fmt.Errorf("invalid retention %q: %w", c.Retention, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	return d, nil
}

// dsn turns DBPath into a libSQL file URI.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
