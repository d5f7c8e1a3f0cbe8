// Package config loads the vouch configuration file.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vouch/internal/model"
)

// Database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Notify drivers.
const (
	NotifyLog   = "log"
	NotifyRedis = "redis"
	NotifyNone  = "none"
)

// Config is the full configuration tree.
type Config struct {
	Database    Database    `yaml:"database"`
	Server      Server      `yaml:"server"`
	Attestation Attestation `yaml:"attestation"`
	Campaign    Campaign    `yaml:"campaign"`
	Notify      Notify      `yaml:"notify"`
	Log         Log         `yaml:"log"`
}

// Database selects and locates the repository.
type Database struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite file and BusyTimeout its lock wait.
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// URI and Name address the MongoDB database.
	URI  string `yaml:"uri"`
	Name string `yaml:"name"`
}

// Server configures the REST listener.
type Server struct {
	Addr string `yaml:"addr"`
}

// Attestation configures element calls and session association.
type Attestation struct {
	EndpointTimeout               time.Duration `yaml:"endpoint_timeout"`
	AllowClosedSessionAssociation bool          `yaml:"allow_closed_session_association"`
}

// Campaign configures DSL campaign runs.
type Campaign struct {
	Concurrency      int    `yaml:"concurrency"`
	LeafErrorVerdict string `yaml:"leaf_error_verdict"`
}

// Notify selects where state changes are announced.
type Notify struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: Database{Driver: DriverSQLite, Path: "vouch.db", BusyTimeout: 5 * time.Second, Name: "vouch"},
		Server:   Server{Addr: ":8520"},
		Attestation: Attestation{
			EndpointTimeout:               10 * time.Second,
			AllowClosedSessionAssociation: true,
		},
		Campaign: Campaign{Concurrency: 1, LeafErrorVerdict: string(model.Indeterminate)},
		Notify:   Notify{Driver: NotifyLog, ChannelPrefix: "vouch"},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
		if c.Database.BusyTimeout <= 0 {
			errs = append(errs, fmt.Errorf("database.busy_timeout must be positive, got %s", c.Database.BusyTimeout))
		}
	case DriverMongo:
		if c.Database.URI == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("database.uri and database.name are required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, mongo", c.Database.Driver))
	}

	if c.Attestation.EndpointTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attestation.endpoint_timeout must be positive, got %s", c.Attestation.EndpointTimeout))
	}
	if c.Campaign.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("campaign.concurrency must be positive, got %d", c.Campaign.Concurrency))
	}
	if _, err := c.LeafErrorVerdict(); err != nil {
		errs = append(errs, err)
	}

	switch c.Notify.Driver {
	case NotifyLog, NotifyNone:
	case NotifyRedis:
		if c.Notify.RedisAddr == "" {
			errs = append(errs, errors.New("notify.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.driver %q is not one of log, redis, none", c.Notify.Driver))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// LeafErrorVerdict parses campaign.leaf_error_verdict.
func (c Config) LeafErrorVerdict() (model.Outcome, error) {
	o := model.Outcome(c.Campaign.LeafErrorVerdict)
	if o != model.Fail && o != model.Indeterminate {
		return "", fmt.Errorf("campaign.leaf_error_verdict %q is not one of fail, indeterminate", c.Campaign.LeafErrorVerdict)
	}
	return o, nil
}
