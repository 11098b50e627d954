// Package config provides configuration management for the agents-run service.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	A2A         A2AConfig         `mapstructure:"a2a"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds storage configuration. Driver selects between the
// sqlite and postgres repository implementations; an empty driver falls
// back to in-memory stores.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, memory
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// PostgresDSN builds a pgx-compatible connection string.
func (d *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// NATSConfig holds NATS messaging configuration. An empty URL means the
// in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// A2AConfig holds agent-to-agent transport configuration.
type A2AConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
}

// RequestTimeoutDuration returns the A2A request timeout as a time.Duration.
func (a *A2AConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// ExecutionConfig holds execution loop and approval gate configuration.
type ExecutionConfig struct {
	MaxTransfers         int    `mapstructure:"maxTransfers"`
	MaxConsecutiveErrors int    `mapstructure:"maxConsecutiveErrors"`
	ApprovalTimeout      int    `mapstructure:"approvalTimeout"` // in seconds, 0 = wait forever
	DelegationSigningKey string `mapstructure:"delegationSigningKey"`
}

// ApprovalTimeoutDuration returns the approval wait timeout as a time.Duration.
func (e *ExecutionConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(e.ApprovalTimeout) * time.Second
}

// CredentialsConfig holds credential resolution configuration.
type CredentialsConfig struct {
	CacheTTL  int    `mapstructure:"cacheTtl"` // in seconds
	EnvPrefix string `mapstructure:"envPrefix"`
}

// CacheTTLDuration returns the credential cache TTL as a time.Duration.
func (c *CredentialsConfig) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3003)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "agents-run.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agents")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agents_run")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agents-run")
	v.SetDefault("nats.maxReconnects", 10)

	// A2A transport defaults
	v.SetDefault("a2a.baseUrl", "http://localhost:3002")
	v.SetDefault("a2a.requestTimeout", 120)

	// Execution defaults
	v.SetDefault("execution.maxTransfers", 10)
	v.SetDefault("execution.maxConsecutiveErrors", 3)
	v.SetDefault("execution.approvalTimeout", 0)
	v.SetDefault("execution.delegationSigningKey", "")

	// Credentials defaults
	v.SetDefault("credentials.cacheTtl", 300)
	v.SetDefault("credentials.envPrefix", "AGENTS_RUN_")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from defaults, an optional config file, and
// environment variables (prefixed AGENTS_RUN_, dots replaced by underscores).
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("agents-run")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agents-run")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only fail on parse errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("AGENTS_RUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
