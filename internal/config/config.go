// config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	StoreDriver string `envconfig:"STORE_DRIVER" default:"mongo"`
	MongoURI    string `envconfig:"MONGO_URI" default:"mongodb://host.docker.internal:27017"`
	MongoDBName string `envconfig:"MONGO_DB_NAME" default:"card_grading_db"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"card_grading.db"`
	AuthURL     string `envconfig:"AUTH_URL" default:"http://host.docker.internal:3000"`
	RabbitURL   string `envconfig:"RABBIT_URL" default:"amqp://host.docker.internal"`

	RabbitEnabled bool   `envconfig:"RABBIT_ENABLED" default:"true"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	CodeAttempts   int           `envconfig:"CODE_ATTEMPTS" default:"50"`
	CommitRetries  int           `envconfig:"COMMIT_RETRIES" default:"5"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv populates a Config from the environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMongo:
		if c.MongoURI == "" || c.MongoDBName == "" {
			return errors.New("config: MONGO_URI and MONGO_DB_NAME are required for the mongo driver")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.CodeAttempts <= 0 {
		return fmt.Errorf("config: CODE_ATTEMPTS must be positive, got %d", c.CodeAttempts)
	}
	if c.CommitRetries <= 0 {
		return fmt.Errorf("config: COMMIT_RETRIES must be positive, got %d", c.CommitRetries)
	}
	if c.RabbitEnabled && c.RabbitURL == "" {
		return errors.New("config: RABBIT_URL is required when RABBIT_ENABLED is set")
	}
	return nil
}
