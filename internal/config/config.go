package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "GRAVITY_COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "gravity-collab.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "gravity-collab"
	defaultTokenTTL          = 30 * time.Minute
	defaultPersistenceDriver = DriverSQLite
	defaultPersistenceMode   = string(persistence.ModeLog)
	defaultDebounce          = time.Second
	defaultCompactEvery      = 200
	defaultRedisAddress      = "127.0.0.1:6379"
	defaultIdleGrace         = 30 * time.Second
	defaultMaxUpdateBytes    = 1 << 20
	defaultSendBuffer        = 64
)

// Persistence drivers.
const (
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress         string
	LogLevel            string
	SigningSecret       string
	Issuer              string
	SystemToken         string
	TokenTTL            time.Duration
	DatabasePath        string
	PersistenceDriver   string
	PersistenceMode     persistence.Mode
	PersistenceDebounce time.Duration
	CompactEvery        int
	RedisAddress        string
	PostgresDSN         string
	IdleGrace           time.Duration
	MaxUpdateBytes      int
	SendBuffer          int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("persistence.driver", defaultPersistenceDriver)
	configViper.SetDefault("persistence.mode", defaultPersistenceMode)
	configViper.SetDefault("persistence.debounce", defaultDebounce)
	configViper.SetDefault("persistence.compact_every", defaultCompactEvery)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("collab.idle_grace", defaultIdleGrace)
	configViper.SetDefault("collab.max_update_bytes", defaultMaxUpdateBytes)
	configViper.SetDefault("collab.send_buffer", defaultSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	mode, err := persistence.ParseMode(configViper.GetString("persistence.mode"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		Issuer:              configViper.GetString("auth.issuer"),
		SystemToken:         configViper.GetString("auth.system_token"),
		TokenTTL:            configViper.GetDuration("auth.token_ttl"),
		DatabasePath:        configViper.GetString("database.path"),
		PersistenceDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("persistence.driver"))),
		PersistenceMode:     mode,
		PersistenceDebounce: configViper.GetDuration("persistence.debounce"),
		CompactEvery:        configViper.GetInt("persistence.compact_every"),
		RedisAddress:        configViper.GetString("redis.address"),
		PostgresDSN:         configViper.GetString("postgres.dsn"),
		IdleGrace:           configViper.GetDuration("collab.idle_grace"),
		MaxUpdateBytes:      configViper.GetInt("collab.max_update_bytes"),
		SendBuffer:          configViper.GetInt("collab.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.PersistenceDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
		if c.PersistenceMode != persistence.ModeSnapshot {
			return fmt.Errorf("persistence.driver=postgres supports only persistence.mode=snapshot")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown persistence.driver %q", c.PersistenceDriver)
	}
	if c.PersistenceDebounce <= 0 {
		return fmt.Errorf("persistence.debounce must be positive")
	}
	if c.CompactEvery < 0 {
		return fmt.Errorf("persistence.compact_every must not be negative")
	}
	if c.IdleGrace <= 0 {
		return fmt.Errorf("collab.idle_grace must be positive")
	}
	if c.MaxUpdateBytes <= 0 {
		return fmt.Errorf("collab.max_update_bytes must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("collab.send_buffer must be positive")
	}
	return nil
}
