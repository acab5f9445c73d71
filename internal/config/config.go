package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the triage core server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Worker    WorkerConfig
	Router    RouterConfig
	Review    ReviewConfig
	Learner   LearnerConfig
	Ingest    IngestConfig
}

type DatabaseConfig struct {
	// URL empty means the in-memory store is used (local dev, tests).
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type WorkerConfig struct {
	PoolSize        int
	MaxAttempts     int
	LeaseDuration   time.Duration
	AttemptTimeout  time.Duration
	AnalyzerTimeout time.Duration
	PeerWait        time.Duration
	PollInterval    time.Duration
	PrefRefresh     time.Duration
}

type RouterConfig struct {
	// MaxConcurrentCalls bounds in-flight provider calls across all workers.
	MaxConcurrentCalls int64

	// Per-tier model bindings. Kind selects a provider driver.
	Economy  TierBinding
	Standard TierBinding
	Premium  TierBinding
}

type TierBinding struct {
	Kind     string // openai, anthropic, ollama
	Model    string
	Endpoint string
	APIKey   string
}

type ReviewConfig struct {
	// SLAWindow sets dueAt = now + SLAWindow when an item is flagged.
	SLAWindow time.Duration
}

type LearnerConfig struct {
	QueueSize         int
	OverrideThreshold float64
	BiasStep          float64
	MaxBias           float64
}

type IngestConfig struct {
	// MaildropDir empty disables the directory source.
	MaildropDir  string
	PollInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TRIAGE_PORT", 8080),
		Version: envStr("TRIAGE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "mailsense-triage-core"),
		},
		Worker: WorkerConfig{
			PoolSize:        envInt("WORKER_POOL_SIZE", 4),
			MaxAttempts:     envInt("WORKER_MAX_ATTEMPTS", 3),
			LeaseDuration:   envDur("WORKER_LEASE_DURATION", 2*time.Minute),
			AttemptTimeout:  envDur("WORKER_ATTEMPT_TIMEOUT", 90*time.Second),
			AnalyzerTimeout: envDur("WORKER_ANALYZER_TIMEOUT", 30*time.Second),
			PeerWait:        envDur("WORKER_PEER_WAIT", 2*time.Second),
			PollInterval:    envDur("WORKER_POLL_INTERVAL", time.Second),
			PrefRefresh:     envDur("WORKER_PREF_REFRESH", 5*time.Minute),
		},
		Router: RouterConfig{
			MaxConcurrentCalls: int64(envInt("ROUTER_MAX_CONCURRENT_CALLS", 8)),
			Economy: TierBinding{
				Kind:     envStr("TIER_ECONOMY_KIND", "ollama"),
				Model:    envStr("TIER_ECONOMY_MODEL", "llama3.2"),
				Endpoint: envStr("TIER_ECONOMY_ENDPOINT", ""),
				APIKey:   envStr("TIER_ECONOMY_API_KEY", ""),
			},
			Standard: TierBinding{
				Kind:     envStr("TIER_STANDARD_KIND", "openai"),
				Model:    envStr("TIER_STANDARD_MODEL", "gpt-4o-mini"),
				Endpoint: envStr("TIER_STANDARD_ENDPOINT", ""),
				APIKey:   envStr("TIER_STANDARD_API_KEY", ""),
			},
			Premium: TierBinding{
				Kind:     envStr("TIER_PREMIUM_KIND", "anthropic"),
				Model:    envStr("TIER_PREMIUM_MODEL", "claude-sonnet-4-20250514"),
				Endpoint: envStr("TIER_PREMIUM_ENDPOINT", ""),
				APIKey:   envStr("TIER_PREMIUM_API_KEY", ""),
			},
		},
		Review: ReviewConfig{
			SLAWindow: envDur("REVIEW_SLA_WINDOW", 24*time.Hour),
		},
		Learner: LearnerConfig{
			QueueSize:         envInt("LEARNER_QUEUE_SIZE", 256),
			OverrideThreshold: envFloat("LEARNER_OVERRIDE_THRESHOLD", 0.3),
			BiasStep:          envFloat("LEARNER_BIAS_STEP", 0.5),
			MaxBias:           envFloat("LEARNER_MAX_BIAS", 2.0),
		},
		Ingest: IngestConfig{
			MaildropDir:  envStr("INGEST_MAILDROP_DIR", ""),
			PollInterval: envDur("INGEST_POLL_INTERVAL", 10*time.Second),
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

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
