package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvTimezone      = "HUNDREDBOT_TIMEZONE"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays environment overrides on cfg. DATABASE_URL switches an
// unset or memory storage driver to postgres.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := nonEmpty(lookup, EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := nonEmpty(lookup, EnvTimezone); ok {
		cfg.Challenge.Timezone = v
	}
	if v, ok := nonEmpty(lookup, EnvDatabaseURL); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "none":
			cfg.Storage.Driver = "postgres"
		}
		cfg.Storage.DSN = v
	}
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
