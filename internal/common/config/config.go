// Package config provides configuration management for Agenthive.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid marks configuration that loaded but failed validation, so
// callers can distinguish bad settings from unreadable config files.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration sections for Agenthive.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	RAG       RAGConfig       `mapstructure:"rag"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Project   ProjectConfig   `mapstructure:"project"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. When Host is empty the
// server uses the embedded SQLite store at Path; otherwise PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	PoolMin  int    `mapstructure:"poolMin"`
	PoolMax  int    `mapstructure:"poolMax"`
	Path     string `mapstructure:"path"` // SQLite file path
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	AdminToken string `mapstructure:"adminToken"` // empty = generated at startup
	MaxAgents  int    `mapstructure:"maxAgents"`
}

// SecurityConfig holds the scanning pipeline configuration.
type SecurityConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SanitizeMode string `mapstructure:"sanitizeMode"` // remove, neutralize, block
	AlertWebhook string `mapstructure:"alertWebhook"`
}

// RAGConfig holds the knowledge engine configuration.
type RAGConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	IntervalSeconds   int    `mapstructure:"intervalSeconds"`
	MaxResults        int    `mapstructure:"maxResults"`
	EmbeddingProvider string `mapstructure:"embeddingProvider"` // openai, local
	EmbeddingModel    string `mapstructure:"embeddingModel"`
	EmbeddingDim      int    `mapstructure:"embeddingDimension"`
	EmbeddingAPIKey   string `mapstructure:"embeddingApiKey"`
	EmbeddingBaseURL  string `mapstructure:"embeddingBaseUrl"`
	ChatModel         string `mapstructure:"chatModel"`
	VectorPath        string `mapstructure:"vectorPath"` // chromem persistence dir
}

// DispatchConfig bounds concurrent tool execution.
type DispatchConfig struct {
	MaxWorkers     int `mapstructure:"maxWorkers"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"` // default per-call deadline
}

// ProjectConfig points at the project tree the RAG indexer walks.
type ProjectConfig struct {
	Root string `mapstructure:"root"`
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

// Interval returns the indexer cycle period as a time.Duration.
func (r *RAGConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Timeout returns the default per-call deadline as a time.Duration.
func (d *DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// UsePostgres reports whether the PostgreSQL backend is selected.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agenthive")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agenthive")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.poolMin", 2)
	v.SetDefault("database.poolMax", 10)
	v.SetDefault("database.path", "./agenthive.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agenthive")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.adminToken", "")
	v.SetDefault("auth.maxAgents", 50)

	v.SetDefault("security.enabled", true)
	v.SetDefault("security.sanitizeMode", "block")
	v.SetDefault("security.alertWebhook", "")

	v.SetDefault("rag.enabled", true)
	v.SetDefault("rag.intervalSeconds", 300)
	v.SetDefault("rag.maxResults", 13)
	v.SetDefault("rag.embeddingProvider", "openai")
	v.SetDefault("rag.embeddingModel", "text-embedding-3-small")
	v.SetDefault("rag.embeddingDimension", 1536)
	v.SetDefault("rag.embeddingApiKey", "")
	v.SetDefault("rag.embeddingBaseUrl", "")
	v.SetDefault("rag.chatModel", "gpt-4o-mini")
	v.SetDefault("rag.vectorPath", "./agenthive-vectors")

	v.SetDefault("dispatch.maxWorkers", 32)
	v.SetDefault("dispatch.timeoutSeconds", 60)

	v.SetDefault("project.root", ".")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")
}

// bindFlatEnv binds the documented flat environment variables onto their
// config keys. AutomaticEnv handles the AGENTHIVE_-prefixed forms; these
// short names are the published interface.
func bindFlatEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "API_PORT", "AGENTHIVE_SERVER_PORT")
	_ = v.BindEnv("database.host", "DB_HOST")
	_ = v.BindEnv("database.port", "DB_PORT")
	_ = v.BindEnv("database.dbName", "DB_NAME")
	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.poolMin", "DB_POOL_MIN")
	_ = v.BindEnv("database.poolMax", "DB_POOL_MAX")
	_ = v.BindEnv("database.path", "DB_PATH")
	_ = v.BindEnv("auth.adminToken", "ADMIN_TOKEN")
	_ = v.BindEnv("rag.embeddingProvider", "EMBEDDING_PROVIDER")
	_ = v.BindEnv("rag.embeddingDimension", "EMBEDDING_DIMENSION")
	_ = v.BindEnv("rag.embeddingApiKey", "OPENAI_API_KEY", "EMBEDDING_API_KEY")
	_ = v.BindEnv("rag.embeddingBaseUrl", "EMBEDDING_BASE_URL")
	_ = v.BindEnv("rag.chatModel", "CHAT_MODEL")
	_ = v.BindEnv("rag.enabled", "RAG_ENABLED")
	_ = v.BindEnv("rag.intervalSeconds", "RAG_INTERVAL_SECONDS")
	_ = v.BindEnv("rag.maxResults", "RAG_MAX_RESULTS")
	_ = v.BindEnv("dispatch.maxWorkers", "MAX_WORKERS")
	_ = v.BindEnv("dispatch.timeoutSeconds", "AGENT_TIMEOUT_SECONDS")
	_ = v.BindEnv("security.enabled", "SECURITY_ENABLED")
	_ = v.BindEnv("security.sanitizeMode", "SECURITY_SANITIZE_MODE")
	_ = v.BindEnv("security.alertWebhook", "SECURITY_ALERT_WEBHOOK")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("project.root", "PROJECT_ROOT")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTHIVE_ with snake_case naming, plus
// the flat names documented above.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindFlatEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agenthive/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}
	if cfg.Database.PoolMin < 0 || cfg.Database.PoolMax <= 0 || cfg.Database.PoolMin > cfg.Database.PoolMax {
		errs = append(errs, "database pool bounds must satisfy 0 <= poolMin <= poolMax")
	}

	switch cfg.Security.SanitizeMode {
	case "remove", "neutralize", "block":
	default:
		errs = append(errs, "security.sanitizeMode must be one of: remove, neutralize, block")
	}

	switch cfg.RAG.EmbeddingProvider {
	case "openai", "local":
	default:
		errs = append(errs, "rag.embeddingProvider must be one of: openai, local")
	}
	if cfg.RAG.EmbeddingDim <= 0 {
		errs = append(errs, "rag.embeddingDimension must be positive")
	}
	if cfg.RAG.IntervalSeconds <= 0 {
		errs = append(errs, "rag.intervalSeconds must be positive")
	}
	if cfg.RAG.MaxResults <= 0 {
		errs = append(errs, "rag.maxResults must be positive")
	}

	if cfg.Dispatch.MaxWorkers <= 0 {
		errs = append(errs, "dispatch.maxWorkers must be positive")
	}
	if cfg.Dispatch.TimeoutSeconds <= 0 {
		errs = append(errs, "dispatch.timeoutSeconds must be positive")
	}

	if cfg.Auth.MaxAgents <= 0 {
		errs = append(errs, "auth.maxAgents must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}
