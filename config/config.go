package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	EventBus      EventBusConfig
	Pipeline      PipelineConfig
	LLM           LLMProviderConfig
	Scanner       ScannerConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds storage configuration. When ConnectionString
// (from DATABASE_URL) is set the service uses PostgreSQL; otherwise it
// falls back to the embedded SQLite store at SQLitePath.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	SQLitePath       string // Local store used when DATABASE_URL is unset
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// EventBusConfig holds event bus tuning knobs
type EventBusConfig struct {
	QueueSize         int           // Bounded replay buffer per audit
	SubscriberBuffer  int           // Per-subscription channel capacity
	HeartbeatInterval time.Duration // Idle time before a synthetic heartbeat
	PersistBuffer     int           // Durability channel capacity
	PersistWorkers    int           // Event log writer goroutines
	StopTimeout       time.Duration // Drain budget on shutdown
}

// PipelineConfig holds audit pipeline tuning knobs
type PipelineConfig struct {
	RetryThreshold int           // Stage failures before the audit is forced to failed
	StageTimeout   time.Duration // Budget for a single stage invocation
}

// LLMProviderConfig holds the fallback LLM provider configuration used
// when no stored llm_config is selected for an audit
type LLMProviderConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64 // Requests per second against the provider
	RateBurst  int
}

// ScannerConfig holds the code-analysis backend configuration
type ScannerConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// KafkaConfig holds the optional event transport configuration.
// The transport is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	LogFile        string // When set, logs rotate via lumberjack
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8090),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0), // 0: SSE streams must not be cut off
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			ConnectionString: getEnv("DATABASE_URL", ""),
			SQLitePath:       getEnv("SQLITE_PATH", "data/audit.db"),
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		EventBus: EventBusConfig{
			QueueSize:         getEnvAsInt("BUS_QUEUE_SIZE", 5000),
			SubscriberBuffer:  getEnvAsInt("BUS_SUBSCRIBER_BUFFER", 256),
			HeartbeatInterval: getEnvAsDuration("BUS_HEARTBEAT_INTERVAL", 15*time.Second),
			PersistBuffer:     getEnvAsInt("BUS_PERSIST_BUFFER", 10000),
			PersistWorkers:    getEnvAsInt("BUS_PERSIST_WORKERS", 4),
			StopTimeout:       getEnvAsDuration("BUS_STOP_TIMEOUT", 5*time.Second),
		},
		Pipeline: PipelineConfig{
			RetryThreshold: getEnvAsInt("PIPELINE_RETRY_THRESHOLD", 3),
			StageTimeout:   getEnvAsDuration("PIPELINE_STAGE_TIMEOUT", 10*time.Minute),
		},
		LLM: LLMProviderConfig{
			Provider:   getEnv("LLM_PROVIDER", "openai"),
			Model:      getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:     getEnv("LLM_API_KEY", ""),
			BaseURL:    getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			Timeout:    getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
			MaxRetries: getEnvAsInt("LLM_MAX_RETRIES", 3),
			RateLimit:  getEnvAsFloat("LLM_RATE_LIMIT", 5),
			RateBurst:  getEnvAsInt("LLM_RATE_BURST", 10),
		},
		Scanner: ScannerConfig{
			BaseURL:    getEnv("SCANNER_BASE_URL", "http://localhost:3001"),
			Timeout:    getEnvAsDuration("SCANNER_TIMEOUT", 120*time.Second),
			MaxRetries: getEnvAsInt("SCANNER_MAX_RETRIES", 3),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsSlice("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "audit-events"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			LogFile:        getEnv("LOG_FILE", ""),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" && c.Database.SQLitePath == "" {
		return fmt.Errorf("storage configuration required: set DATABASE_URL or SQLITE_PATH")
	}
	if c.EventBus.QueueSize <= 0 {
		return fmt.Errorf("bus queue size must be positive")
	}
	if c.EventBus.PersistWorkers <= 0 {
		return fmt.Errorf("bus persist worker count must be positive")
	}
	if c.Pipeline.RetryThreshold <= 0 {
		return fmt.Errorf("pipeline retry threshold must be positive")
	}
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// UsePostgres reports whether storage should run against PostgreSQL.
func (c *DatabaseConfig) UsePostgres() bool {
	return c.ConnectionString != ""
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return c.ConnectionString
}

// LogString returns a safe string for logging (no password).
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString == "" {
		return fmt.Sprintf("sqlite:%s", c.SQLitePath)
	}
	u, err := url.Parse(c.ConnectionString)
	if err != nil {
		return "host=<from DATABASE_URL>"
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	db := strings.TrimPrefix(u.Path, "/")
	return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
}

// Enabled reports whether the Kafka transport should be started.
func (c *KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
