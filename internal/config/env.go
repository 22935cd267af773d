package config

import (
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// envOverrides are applied on top of the parsed file so secrets can stay out
// of the config on disk.
type envOverrides struct {
	Token       string `env:"MUTEMEBOT_TOKEN"`
	LogLevel    string `env:"MUTEMEBOT_LOG_LEVEL"`
	StoragePath string `env:"MUTEMEBOT_STORAGE_PATH"`
}

// ApplyEnv loads a .env file if present and overlays recognized variables
// onto cfg.
func ApplyEnv(cfg *Config) error {
	_ = godotenv.Load()

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	if o.Token != "" {
		cfg.Telegram.Token = o.Token
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.StoragePath != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Path = o.StoragePath
	}
	return nil
}
