// Package config provides configuration for the control plane.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the control plane configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int
	// RPCAddr is the admin JSON-RPC listen address; empty disables it.
	RPCAddr string

	// Database
	DatabaseURL string
	KVBackend   string

	// Sandbox provider
	SandboxProvider    string
	SandboxTemplate    string
	E2BAPIURL          string
	E2BAPIKey          string
	DaytonaAPIURL      string
	DaytonaAPIKey      string
	AgentServerPort    int
	AgentServerCommand string
	DaemonToken        string
	SandboxEnvFile     string

	// Session lifecycle
	SessionHealthTimeout    time.Duration
	SessionReadyInterval    time.Duration
	SessionProvisionTimeout time.Duration

	// Reconciler
	ReconcileInterval time.Duration
	OrphanGrace       time.Duration
	PreparingTimeout  time.Duration

	// Gate round trips
	ApprovalTimeout time.Duration
	AuthTimeout     time.Duration
	AuthStateTTL    time.Duration
	CallbackSecret  string
	PublicURL       string
	PlatformURL     string

	// Job queue
	QueueWorkers     int
	QueueMaxAttempts int
	QueueBaseBackoff time.Duration
	QueueDedupeTTL   time.Duration

	// Websocket feed
	WSReadTimeout    time.Duration
	WSWriteTimeout   time.Duration
	WSPingInterval   time.Duration
	WSMaxMessageSize int64

	// Integration catalog override (YAML)
	IntegrationsFile string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:     getEnvInt("HTTP_PORT", 8080),
		InternalPort: getEnvInt("CMDCLAW_PORT", 8081),
		RPCAddr:      getEnv("RPC_ADDR", "127.0.0.1:8082"),

		DatabaseURL: getEnv("DATABASE_URL", "file:controlplane.db?cache=shared&mode=rwc"),
		KVBackend:   getEnv("KV_BACKEND", "sqlite"),

		SandboxProvider:    getEnv("SANDBOX_PROVIDER", "e2b"),
		SandboxTemplate:    getEnv("SANDBOX_TEMPLATE", "cmdclaw-agent"),
		E2BAPIURL:          getEnv("E2B_API_URL", "https://api.e2b.dev"),
		E2BAPIKey:          getEnv("E2B_API_KEY", ""),
		DaytonaAPIURL:      getEnv("DAYTONA_API_URL", "https://app.daytona.io/api"),
		DaytonaAPIKey:      getEnv("DAYTONA_API_KEY", ""),
		AgentServerPort:    getEnvInt("AGENT_SERVER_PORT", 4096),
		AgentServerCommand: getEnv("AGENT_SERVER_COMMAND", "agent-server --port 4096"),
		DaemonToken:        getEnv("DAEMON_TOKEN", ""),
		SandboxEnvFile:     getEnv("SANDBOX_ENV_FILE", "/home/user/.cmdclaw/env"),

		SessionHealthTimeout:    getEnvMs("SESSION_HEALTH_TIMEOUT_MS", 5000),
		SessionReadyInterval:    getEnvMs("SESSION_READY_INTERVAL_MS", 500),
		SessionProvisionTimeout: getEnvMs("SESSION_PROVISION_TIMEOUT_MS", 120000),

		ReconcileInterval: getEnvMs("RECONCILE_INTERVAL_MS", 60000),
		OrphanGrace:       getEnvMs("ORPHAN_GRACE_MS", 300000),
		PreparingTimeout:  getEnvMs("PREPARING_TIMEOUT_MS", 300000),

		ApprovalTimeout: getEnvMs("APPROVAL_TIMEOUT_MS", 600000),
		AuthTimeout:     getEnvMs("AUTH_TIMEOUT_MS", 600000),
		AuthStateTTL:    getEnvMs("AUTH_STATE_TTL_MS", 900000),
		CallbackSecret:  getEnv("CMDCLAW_CALLBACK_SECRET", ""),
		PublicURL:       getEnv("CMDCLAW_PUBLIC_URL", ""),
		PlatformURL:     getEnv("CMDCLAW_PLATFORM_URL", ""),

		QueueWorkers:     getEnvInt("QUEUE_WORKERS", 4),
		QueueMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
		QueueBaseBackoff: getEnvMs("QUEUE_BASE_BACKOFF_MS", 1000),
		QueueDedupeTTL:   getEnvMs("QUEUE_DEDUPE_TTL_MS", 86400000),

		WSReadTimeout:    getEnvMs("WS_READ_TIMEOUT_MS", 60000),
		WSWriteTimeout:   getEnvMs("WS_WRITE_TIMEOUT_MS", 10000),
		WSPingInterval:   getEnvMs("WS_PING_INTERVAL_MS", 30000),
		WSMaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),

		IntegrationsFile: getEnv("INTEGRATIONS_FILE", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
