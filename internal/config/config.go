// Package config loads the service configuration from ontask.yaml, the
// environment (ONTASK_ prefix) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the configuration for the service and the CLI.
type Config struct {
	DB struct {
		// Driver is "sqlite3" or "pgx".
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Tracking struct {
		Secret  string `mapstructure:"secret"`
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"tracking"`
	Worker struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"worker"`
	Render struct {
		ChunkSize int `mapstructure:"chunk_size"`
	} `mapstructure:"render"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// New returns a viper instance with defaults and environment binding.
// ONTASK_DB_DSN overrides db.dsn, and so on.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "ontask.db")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("tracking.secret", "")
	v.SetDefault("tracking.base_url", "http://localhost:8080")
	v.SetDefault("worker.size", 2)
	v.SetDefault("render.chunk_size", 100)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("ONTASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, or ontask.yaml from . or ./config when file is empty,
// into v and decodes the result. A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ontask")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("config: db.driver must be sqlite3 or pgx, got %q", c.DB.Driver)
	}
	if c.Worker.Size < 1 {
		return fmt.Errorf("config: worker.size must be positive, got %d", c.Worker.Size)
	}
	if c.Render.ChunkSize < 1 {
		return fmt.Errorf("config: render.chunk_size must be positive, got %d", c.Render.ChunkSize)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	c.Tracking.BaseURL = strings.TrimRight(strings.TrimSpace(c.Tracking.BaseURL), "/")
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return l, nil
}
