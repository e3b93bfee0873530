package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-sqlt/namedsql"
	"github.com/pelletier/go-toml/v2"
)

// Config is the TOML configuration file.
type Config struct {
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn"`
	Placeholder string `toml:"placeholder"`
	IdleTimeout string `toml:"idle_timeout"`
	BatchSize   int    `toml:"batch_size"`
	LogLevel    string `toml:"log_level"`
}

func loadConfig(path string) (Config, error) {
	config := Config{
		Driver:    "sqlite",
		DSN:       ":memory:",
		BatchSize: 500,
	}

	if path == "" {
		return config, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	decoder := toml.NewDecoder(bytes.NewReader(b))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&config); err != nil {
		var decodeError *toml.DecodeError
		if errors.As(err, &decodeError) {
			return config, fmt.Errorf("%s: %s", path, decodeError.String())
		}

		var strictMissingError *toml.StrictMissingError
		if errors.As(err, &strictMissingError) {
			return config, fmt.Errorf("%s: %s", path, strictMissingError.String())
		}

		return config, err
	}

	return config, nil
}

func (c Config) driverName() (string, error) {
	switch strings.ToLower(c.Driver) {
	case "", "sqlite":
		return sqliteDriverName, nil
	case "postgres", "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", c.Driver)
	}
}

func (c Config) placeholder() (namedsql.Config, error) {
	style := strings.ToLower(c.Placeholder)
	if style == "" {
		style = "question"

		if d := strings.ToLower(c.Driver); d == "postgres" || d == "pgx" {
			style = "dollar"
		}
	}

	switch style {
	case "question":
		return namedsql.Question(), nil
	case "dollar":
		return namedsql.Dollar(), nil
	case "colon":
		return namedsql.Colon(), nil
	case "atp":
		return namedsql.AtP(), nil
	default:
		return namedsql.Config{}, fmt.Errorf("unsupported placeholder style %q", c.Placeholder)
	}
}

func (c Config) idle() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return namedsql.DefaultIdleTimeout, nil
	}

	return time.ParseDuration(c.IdleTimeout)
}

func (c Config) logLevel() slog.Level {
	var level slog.Level

	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}
