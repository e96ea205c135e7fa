package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the rushed-agent engine.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	LogFormat string
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Telemetry TelemetryConfig
	Sandbox   SandboxConfig
	LLM       LLMConfig
	DataSpace DataSpaceConfig
	Agent     AgentConfig
	Auth      AuthConfig
}

type DatabaseConfig struct {
	// Empty URL selects the in-memory store.
	URL            string
	MaxConnections int
	// Snapshot file for the in-memory store; empty disables persistence.
	SnapshotPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	StepTTL  time.Duration
}

type NATSConfig struct {
	URL            string
	TriggerSubject string
	StreamPrefix   string
	QueueGroup     string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type SandboxConfig struct {
	Provider   string // docker | memory
	TemplateID string
	Image      string
	TTL        time.Duration
	Port       int
	URLScheme  string
	PublicHost string
	Workdir    string
	ReapEvery  time.Duration
}

type LLMConfig struct {
	Provider          string // anthropic | openrouter | local
	AnthropicAPIKey   string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	LocalBaseURL      string
	Model             string
	MaxTokens         int
	TitleMaxTokens    int
	ResponseMaxTokens int
}

type DataSpaceConfig struct {
	APIURL   string
	APIToken string
	Timeout  time.Duration
}

type AgentConfig struct {
	Name         string
	NetworkName  string
	MaxIter      int
	HistoryLimit int
	RunAttempts  int
	StepStore    string // memory | postgres | redis
}

type AuthConfig struct {
	// Comma-separated keys; empty disables the guard.
	APIKeys []string
}

// DefaultDataSpaceAPIURL is used when NEXT_PUBLIC_MHIVE_API_URL is unset.
const DefaultDataSpaceAPIURL = "https://dc-mhive-api.mstrohive.com"

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:      envInt("RUSHED_PORT", 8080),
		Version:   envStr("RUSHED_VERSION", "0.1.0"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "console"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
			SnapshotPath:   envStr("RUSHED_SNAPSHOT_PATH", ""),
		},
		Redis: RedisConfig{
			Addr:     envStr("REDIS_ADDR", ""),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
			StepTTL:  envDuration("REDIS_STEP_TTL", 24*time.Hour),
		},
		NATS: NATSConfig{
			URL:            envStr("NATS_URL", ""),
			TriggerSubject: envStr("NATS_TRIGGER_SUBJECT", "rushed-agent.run"),
			StreamPrefix:   envStr("NATS_STREAM_PREFIX", "rushed-agent.stream"),
			QueueGroup:     envStr("NATS_QUEUE_GROUP", "rushed-agent"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "rushed-agent"),
		},
		Sandbox: SandboxConfig{
			Provider:   envStr("SANDBOX_PROVIDER", "docker"),
			TemplateID: envStr("SANDBOX_TEMPLATE", "mspace-nextjs-template"),
			Image:      envStr("SANDBOX_IMAGE", ""),
			TTL:        envDuration("SANDBOX_TTL", 30*time.Minute),
			Port:       envInt("SANDBOX_PORT", 3000),
			URLScheme:  envStr("SANDBOX_URL_SCHEME", "https"),
			PublicHost: envStr("SANDBOX_PUBLIC_HOST", ""),
			Workdir:    envStr("SANDBOX_WORKDIR", "/home/user"),
			ReapEvery:  envDuration("SANDBOX_REAP_INTERVAL", time.Minute),
		},
		LLM: LLMConfig{
			Provider:          envStr("LLM_PROVIDER", "anthropic"),
			AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
			OpenRouterAPIKey:  envStr("OPENROUTER_API_KEY", ""),
			OpenRouterBaseURL: envStr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			LocalBaseURL:      envStr("LOCAL_MODEL_URL", ""),
			Model:             envStr("LLM_MODEL", ""),
			MaxTokens:         envInt("LLM_MAX_TOKENS", 4096),
			TitleMaxTokens:    envInt("LLM_TITLE_MAX_TOKENS", 1096),
			ResponseMaxTokens: envInt("LLM_RESPONSE_MAX_TOKENS", 2096),
		},
		DataSpace: DataSpaceConfig{
			APIURL:   envStr("NEXT_PUBLIC_MHIVE_API_URL", DefaultDataSpaceAPIURL),
			APIToken: envStr("MHIVE_API_TOKEN", ""),
			Timeout:  envDuration("MHIVE_TIMEOUT", 30*time.Second),
		},
		Agent: AgentConfig{
			Name:         envStr("AGENT_NAME", "rushed-agent"),
			NetworkName:  envStr("AGENT_NETWORK_NAME", "coding-agent-network"),
			MaxIter:      envInt("AGENT_MAX_ITER", 15),
			HistoryLimit: envInt("AGENT_HISTORY_LIMIT", 5),
			RunAttempts:  envInt("AGENT_RUN_ATTEMPTS", 3),
			StepStore:    envStr("STEP_STORE", "memory"),
		},
		Auth: AuthConfig{
			APIKeys: envList("RUSHED_API_KEYS"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
