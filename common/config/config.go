package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Engine    EngineConfig    `yaml:"engine"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name          string        `yaml:"name"`
	Port          int           `yaml:"port"`
	Environment   string        `yaml:"environment"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Database    string        `yaml:"database"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// RedisConfig holds cache/broker connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueConfig holds worker manager settings
type QueueConfig struct {
	Broker        string        `yaml:"broker"` // "redis" or "memory"
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	TaskRetention time.Duration `yaml:"task_retention"`
	DefaultQueue  string        `yaml:"default_queue"`
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	NodeTimeout      time.Duration `yaml:"node_timeout"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
	StateTTL         time.Duration `yaml:"state_ttl"`
	StaleRunAge      time.Duration `yaml:"stale_run_age"`
	SupervisorPeriod time.Duration `yaml:"supervisor_period"`
}

// AuthConfig holds principal extraction settings
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	AllowDevHeader bool   `yaml:"allow_dev_header"`
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
	EnablePprof bool `yaml:"enable_pprof"`
}

// Load builds configuration from environment variables, then overlays the
// optional YAML file named by TRELLIS_CONFIG
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:          serviceName,
			Port:          getEnvInt("PORT", 8080),
			Environment:   getEnv("ENVIRONMENT", "development"),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			LogFormat:     getEnv("LOG_FORMAT", "console"),
			ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "trellis"),
			User:        getEnv("POSTGRES_USER", "trellis"),
			Password:    getEnv("POSTGRES_PASSWORD", "trellis"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Queue: QueueConfig{
			Broker:        getEnv("QUEUE_BROKER", "redis"),
			Concurrency:   getEnvInt("QUEUE_CONCURRENCY", 8),
			PollInterval:  getEnvDuration("QUEUE_POLL_INTERVAL", 200*time.Millisecond),
			TaskRetention: getEnvDuration("QUEUE_TASK_RETENTION", 24*time.Hour),
			DefaultQueue:  getEnv("QUEUE_DEFAULT", "workflow"),
		},
		Engine: EngineConfig{
			NodeTimeout:      getEnvDuration("ENGINE_NODE_TIMEOUT", 5*time.Minute),
			RunTimeout:       getEnvDuration("ENGINE_RUN_TIMEOUT", time.Hour),
			StateTTL:         getEnvDuration("ENGINE_STATE_TTL", 24*time.Hour),
			StaleRunAge:      getEnvDuration("ENGINE_STALE_RUN_AGE", 2*time.Hour),
			SupervisorPeriod: getEnvDuration("ENGINE_SUPERVISOR_PERIOD", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("AUTH_JWT_SECRET", ""),
			AllowDevHeader: getEnvBool("AUTH_ALLOW_DEV_HEADER", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:     getEnvBool("TELEMETRY_ENABLED", true),
			MetricsPort: getEnvInt("METRICS_PORT", 9090),
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
		},
	}

	if path := os.Getenv("TRELLIS_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	return cfg, cfg.Validate()
}

// overlayFile merges values from a YAML file over the env-derived config.
// Fields absent from the file keep their env values.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse yaml: %w", err)
	}
	return nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be >= 1")
	}

	switch c.Queue.Broker {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown queue broker: %s", c.Queue.Broker)
	}

	if c.Service.Environment == "production" && c.Auth.JWTSecret == "" && c.Auth.AllowDevHeader {
		return fmt.Errorf("dev header auth is not allowed in production without a jwt secret")
	}

	return nil
}

// IsProduction reports whether the service runs in the production environment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Service.Environment, "production")
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
