package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Agent     AgentConfig
	Providers ProviderConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	// WorkerID identifies this worker instance for execution locking.
	// Defaults to the hostname.
	WorkerID string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EngineConfig holds workflow execution settings
type EngineConfig struct {
	StreamName    string
	ConsumerGroup string
	// MaxParallelNodes caps concurrent node executions per workflow run.
	MaxParallelNodes int
	NodeTimeout      time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	// BreakerThreshold is the consecutive-failure count that opens a circuit.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// ReaperInterval controls how often stuck executions are scanned for.
	ReaperInterval time.Duration
	StaleAfter     time.Duration
	LogBatchSize   int
	LogBatchFlush  time.Duration
	OutputCacheTTL time.Duration
	// AllowPrivateHosts disables SSRF screening of outbound HTTP targets.
	// Only meant for local development.
	AllowPrivateHosts bool
	BlockedHosts      []string
}

// AgentConfig holds AI agent execution settings
type AgentConfig struct {
	DefaultTimeout   time.Duration
	DefaultMaxSteps  int
	ToolCallTimeout  time.Duration
	HandshakeTimeout time.Duration
	HealthInterval   time.Duration
	HealthFailures   int
}

// ProviderConfig holds LLM provider credentials and routing
type ProviderConfig struct {
	OpenAIKey      string
	OpenRouterKey  string
	AnthropicKey   string
	OpenRouterURL  string
	OllamaURL      string
	DefaultModel   string
	FallbackOrder  map[string]string
	RequestTimeout time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker-local"
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			WorkerID:    getEnv("WORKER_ID", hostname),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "blockpilot"),
			User:        getEnv("POSTGRES_USER", "blockpilot"),
			Password:    getEnv("POSTGRES_PASSWORD", "blockpilot"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			StreamName:       getEnv("EXECUTION_STREAM", "wf.executions.start"),
			ConsumerGroup:    getEnv("EXECUTION_GROUP", "execution-workers"),
			MaxParallelNodes: getEnvInt("MAX_PARALLEL_NODES", 4),
			NodeTimeout:      getEnvDuration("NODE_TIMEOUT", 5*time.Minute),
			MaxRetries:       getEnvInt("NODE_MAX_RETRIES", 3),
			RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 1*time.Second),
			RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
			BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
			ReaperInterval:   getEnvDuration("REAPER_INTERVAL", 1*time.Minute),
			StaleAfter:       getEnvDuration("STALE_AFTER", 10*time.Minute),
			LogBatchSize:     getEnvInt("LOG_BATCH_SIZE", 64),
			LogBatchFlush:    getEnvDuration("LOG_BATCH_FLUSH", 2*time.Second),
			OutputCacheTTL:   getEnvDuration("OUTPUT_CACHE_TTL", 15*time.Minute),
			AllowPrivateHosts: getEnvBool("ALLOW_PRIVATE_HOSTS", false),
			BlockedHosts:      getEnvSlice("BLOCKED_HOSTS", nil),
		},
		Agent: AgentConfig{
			DefaultTimeout:   getEnvDuration("AGENT_TIMEOUT", 5*time.Minute),
			DefaultMaxSteps:  getEnvInt("AGENT_MAX_STEPS", 5),
			ToolCallTimeout:  getEnvDuration("TOOL_CALL_TIMEOUT", 30*time.Second),
			HandshakeTimeout: getEnvDuration("TOOL_HANDSHAKE_TIMEOUT", 5*time.Second),
			HealthInterval:   getEnvDuration("TOOL_HEALTH_INTERVAL", 30*time.Second),
			HealthFailures:   getEnvInt("TOOL_HEALTH_FAILURES", 3),
		},
		Providers: ProviderConfig{
			OpenAIKey:     getEnv("OPENAI_API_KEY", ""),
			OpenRouterKey: getEnv("OPENROUTER_API_KEY", ""),
			AnthropicKey:  getEnv("ANTHROPIC_API_KEY", ""),
			OpenRouterURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			OllamaURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
			DefaultModel:  getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
			FallbackOrder: map[string]string{
				"openrouter": "openai",
				"openai":     "anthropic",
				"ollama":     "openrouter",
			},
			RequestTimeout: getEnvDuration("PROVIDER_TIMEOUT", 2*time.Minute),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
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

	if c.Engine.MaxParallelNodes < 1 {
		return fmt.Errorf("max_parallel_nodes must be >= 1")
	}

	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("node_max_retries must be >= 1")
	}

	if c.Engine.RetryBaseDelay <= 0 || c.Engine.RetryMaxDelay < c.Engine.RetryBaseDelay {
		return fmt.Errorf("retry delays misconfigured: base=%s max=%s", c.Engine.RetryBaseDelay, c.Engine.RetryMaxDelay)
	}

	return nil
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
