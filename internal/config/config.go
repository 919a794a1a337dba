package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServerAddress  string
	Environment    string
	Database       DatabaseConfig
	Migration      MigrationConfig
	Log            LogConfig
	Reconciliation ReconciliationConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	Params       string
	MaxOpenConns int
	MaxIdleConns int
}

type MigrationConfig struct {
	Dir string
}

type LogConfig struct {
	Level  string
	Format string
}

// ReconciliationConfig bounds the workflow's calls to persistence and
// document providers.
type ReconciliationConfig struct {
	OperationTimeout      time.Duration
	DocumentLookupTimeout time.Duration
	RetryInitialInterval  time.Duration
	RetryMaxElapsed       time.Duration
	RetryMaxAttempts      int
	Operator              string
}

// LoadConfig reads .env when present, then the process environment.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(".env")
}

// LoadConfigFrom is LoadConfig with an explicit dotenv path.
func LoadConfigFrom(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	config := &Config{
		ServerAddress: v.GetString("SERVER_ADDRESS"),
		Environment:   v.GetString("ENVIRONMENT"),
		Database: DatabaseConfig{
			Host:         v.GetString("DB_HOST"),
			Port:         v.GetInt("DB_PORT"),
			User:         v.GetString("DB_USER"),
			Password:     v.GetString("DB_PASSWORD"),
			Name:         v.GetString("DB_NAME"),
			Params:       v.GetString("DB_PARAMS"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		},
		Migration: MigrationConfig{
			Dir: v.GetString("MIGRATION_DIR"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Reconciliation: ReconciliationConfig{
			OperationTimeout:      v.GetDuration("OPERATION_TIMEOUT"),
			DocumentLookupTimeout: v.GetDuration("DOCUMENT_LOOKUP_TIMEOUT"),
			RetryInitialInterval:  v.GetDuration("RETRY_INITIAL_INTERVAL"),
			RetryMaxElapsed:       v.GetDuration("RETRY_MAX_ELAPSED"),
			RetryMaxAttempts:      v.GetInt("RETRY_MAX_ATTEMPTS"),
			Operator:              v.GetString("DEFAULT_OPERATOR"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDRESS", ":8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_NAME", "reconciliation")
	v.SetDefault("DB_PARAMS", "parseTime=true&multiStatements=true")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("MIGRATION_DIR", "migrations")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("OPERATION_TIMEOUT", "10s")
	v.SetDefault("DOCUMENT_LOOKUP_TIMEOUT", "5s")
	v.SetDefault("RETRY_INITIAL_INTERVAL", "50ms")
	v.SetDefault("RETRY_MAX_ELAPSED", "2s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 4)
	v.SetDefault("DEFAULT_OPERATOR", "system")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Database.User == "" {
		return errors.New("DB_USER is required")
	}
	if c.Database.Name == "" {
		return errors.New("DB_NAME is required")
	}
	if c.Reconciliation.OperationTimeout <= 0 {
		return errors.New("OPERATION_TIMEOUT must be positive")
	}
	if c.Reconciliation.DocumentLookupTimeout <= 0 {
		return errors.New("DOCUMENT_LOOKUP_TIMEOUT must be positive")
	}
	if c.Reconciliation.RetryMaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// GetDSN returns the MySQL DSN string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Params,
	)
}

// GetMigrationDBURL returns the database URL for migrations
func (c *Config) GetMigrationDBURL() string {
	return "mysql://" + c.GetDSN()
}
