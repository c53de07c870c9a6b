// Package config содержит логику чтения конфигурации сервиса наград.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Поддерживаемые хранилища.
const (
	StoragePostgres = "postgres"
	StorageMongo    = "mongo"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultMongoDatabase = "rewards"
	defaultClaimMode     = "transaction"
	defaultTokenTTL      = 24 * time.Hour
)

// Config содержит параметры конфигурации сервиса наград.
type Config struct {
	RunAddress     string        `env:"RUN_ADDRESS"`
	Storage        string        `env:"STORAGE"`
	DatabaseURI    string        `env:"DATABASE_URI"`
	MongoURI       string        `env:"MONGO_URI"`
	MongoDatabase  string        `env:"MONGO_DATABASE"`
	MongoClaimMode string        `env:"MONGO_CLAIM_MODE"`
	AuthSecret     string        `env:"AUTH_SECRET"`
	TokenTTL       time.Duration `env:"TOKEN_TTL"`
	AdminLogin     string        `env:"ADMIN_LOGIN"`
	AdminPassword  string        `env:"ADMIN_PASSWORD"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.Storage, "s", StoragePostgres, "storage backend: postgres or mongo")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "PostgreSQL database URI")
	flag.StringVar(&cfg.MongoURI, "m", "", "MongoDB URI")
	flag.StringVar(&cfg.MongoDatabase, "n", defaultMongoDatabase, "MongoDB database name")
	flag.StringVar(&cfg.MongoClaimMode, "c", defaultClaimMode, "MongoDB claim mode: transaction or saga")
	flag.StringVar(&cfg.AuthSecret, "k", "", "secret key for signing auth tokens")
	flag.DurationVar(&cfg.TokenTTL, "t", defaultTokenTTL, "auth token lifetime")

	flag.Parse()

	overrideString(&cfg.RunAddress, envCfg.RunAddress)
	overrideString(&cfg.Storage, envCfg.Storage)
	overrideString(&cfg.DatabaseURI, envCfg.DatabaseURI)
	overrideString(&cfg.MongoURI, envCfg.MongoURI)
	overrideString(&cfg.MongoDatabase, envCfg.MongoDatabase)
	overrideString(&cfg.MongoClaimMode, envCfg.MongoClaimMode)
	overrideString(&cfg.AuthSecret, envCfg.AuthSecret)
	if envCfg.TokenTTL > 0 {
		cfg.TokenTTL = envCfg.TokenTTL
	}
	cfg.AdminLogin = envCfg.AdminLogin
	cfg.AdminPassword = envCfg.AdminPassword

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	return cfg, nil
}

func overrideString(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}

// Validate проверяет, что для выбранного хранилища заданы все необходимые параметры.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURI == "" {
			return errors.New("DATABASE_URI is required for postgres storage")
		}
	case StorageMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for mongo storage")
		}
		if c.MongoClaimMode != "transaction" && c.MongoClaimMode != "saga" {
			return fmt.Errorf("unknown MONGO_CLAIM_MODE %q", c.MongoClaimMode)
		}
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}

	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if (c.AdminLogin == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_LOGIN and ADMIN_PASSWORD must be set together")
	}
	return nil
}
