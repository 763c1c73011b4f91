package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backend names accepted by Config.Backend.
const (
	BackendPebble   = "pebble"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Duration is a time.Duration that reads "30s" style strings from both JSON
// and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level server configuration, loaded from an optional JSON
// file with MQ_* environment variables layered on top.
type Config struct {
	HTTPAddr string `json:"httpAddr" env:"MQ_HTTP_ADDR"`
	LogLevel string `json:"logLevel" env:"MQ_LOG_LEVEL"`

	// Backend selects the storage engine: pebble, mongo, redis or postgres.
	Backend string `json:"backend" env:"MQ_BACKEND"`

	// Pebble settings.
	DataDir string `json:"dataDir" env:"MQ_DATA_DIR"`
	Fsync   string `json:"fsync" env:"MQ_FSYNC"`

	// Mongo settings.
	MongoURI      string `json:"mongoUri" env:"MQ_MONGO_URI"`
	MongoDatabase string `json:"mongoDatabase" env:"MQ_MONGO_DATABASE"`

	// Redis settings.
	RedisAddr     string `json:"redisAddr" env:"MQ_REDIS_ADDR"`
	RedisPassword string `json:"redisPassword" env:"MQ_REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDb" env:"MQ_REDIS_DB"`

	// Postgres settings.
	PostgresDSN string `json:"postgresDsn" env:"MQ_POSTGRES_DSN"`

	// Queue defaults applied when a request does not override them.
	VisibilityTimeout Duration `json:"visibilityTimeout" env:"MQ_VISIBILITY_TIMEOUT"`
	DefaultDelay      Duration `json:"defaultDelay" env:"MQ_DEFAULT_DELAY"`
}

// Default returns built-in defaults: an embedded Pebble store under the
// platform data directory.
func Default() Config {
	return Config{
		HTTPAddr:          ":8380",
		LogLevel:          "info",
		Backend:           BackendPebble,
		DataDir:           DefaultDataDir(),
		Fsync:             "interval",
		MongoDatabase:     "mq",
		VisibilityTimeout: Duration(30 * time.Second),
	}
}

// Load builds the configuration: defaults, then the JSON file at path (if
// any), then environment variables. Validation runs last so every layer is
// checked together.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend selection and its required settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPebble:
		if c.DataDir == "" {
			return fmt.Errorf("config: pebble backend requires a data directory")
		}
		switch c.Fsync {
		case "", "always", "interval", "never":
		default:
			return fmt.Errorf("config: unknown fsync mode %q", c.Fsync)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("config: mongo backend requires MQ_MONGO_URI")
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("config: mongo backend requires a database name")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: redis backend requires MQ_REDIS_ADDR")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: postgres backend requires MQ_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.VisibilityTimeout < 0 {
		return fmt.Errorf("config: visibility timeout must not be negative")
	}
	if c.DefaultDelay < 0 {
		return fmt.Errorf("config: default delay must not be negative")
	}
	return nil
}
