// Package config loads daemon configuration from the environment.
// cmd/fleetd loads a .env file first (godotenv); everything here reads
// plain env vars with typed getters and defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the umbrella configuration object passed through the deps
// record at startup. No component reads the environment directly.
type Config struct {
	Gateway   GatewayConfig
	Pty       PtyConfig
	Jobs      JobsConfig
	Outbox    OutboxConfig
	Commander CommanderConfig
	Retention RetentionConfig
}

// GatewayConfig configures the WebSocket listener and the hook socket.
type GatewayConfig struct {
	// Host is loopback-only by design; the gateway does not authenticate.
	Host           string
	Port           int
	HookSocketPath string

	// WriteTimeout bounds a single WebSocket send for lifecycle and
	// fleet messages before the offending client is closed.
	WriteTimeout time.Duration

	// SendQueueSize is the per-client outbound queue; session events
	// overflowing it are dropped oldest-first.
	SendQueueSize int
}

// PtyConfig configures PTY session spawning and recovery.
type PtyConfig struct {
	// AgentCommand is the agent CLI resolved from PATH when a create
	// request does not name a command.
	AgentCommand string
	RecoveryDir  string
	DefaultCols  uint16
	DefaultRows  uint16

	// BufferBudget is the per-session ring buffer byte budget.
	BufferBudget int
}

// JobsConfig configures the headless job pool.
type JobsConfig struct {
	MaxConcurrent int
	// DefaultTimeout applies to every job kind except knowledge sync,
	// which gets KnowledgeSyncTimeout.
	DefaultTimeout       time.Duration
	KnowledgeSyncTimeout time.Duration
}

// OutboxConfig configures the outbox polling tailer.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchLimit   int
}

// CommanderConfig configures the meta-agent manager.
type CommanderConfig struct {
	// ProjectDir is the external tool's per-project transcript directory,
	// watched to capture the conversation id of a fresh commander run.
	ProjectDir string
	// StatusDir holds per-conversation status files keyed by the
	// external conversation id.
	StatusDir string
	// StateFile persists the captured conversation id across restarts.
	StateFile string
}

// RetentionConfig configures the cleanup service.
type RetentionConfig struct {
	OutboxRetention time.Duration
	JobRetention    time.Duration
	Interval        time.Duration
}

// Load builds the full configuration from the environment.
func Load() *Config {
	home, _ := os.UserHomeDir()
	base := getEnv("FLEETD_DIR", filepath.Join(home, ".fleetd"))

	return &Config{
		Gateway: GatewayConfig{
			Host:           getEnv("FLEETD_HOST", "127.0.0.1"),
			Port:           getEnvInt("FLEETD_PORT", 7337),
			HookSocketPath: getEnv("FLEETD_HOOK_SOCKET", filepath.Join(base, "hooks.sock")),
			WriteTimeout:   getEnvDuration("FLEETD_WS_WRITE_TIMEOUT", 5*time.Second),
			SendQueueSize:  getEnvInt("FLEETD_WS_SEND_QUEUE", 256),
		},
		Pty: PtyConfig{
			AgentCommand: getEnv("FLEETD_AGENT_COMMAND", "claude"),
			RecoveryDir:  getEnv("FLEETD_RECOVERY_DIR", filepath.Join(base, "sessions")),
			DefaultCols:  uint16(getEnvInt("FLEETD_PTY_COLS", 120)),
			DefaultRows:  uint16(getEnvInt("FLEETD_PTY_ROWS", 40)),
			BufferBudget: getEnvInt("FLEETD_BUFFER_BUDGET", 512*1024),
		},
		Jobs: JobsConfig{
			MaxConcurrent:        getEnvInt("FLEETD_JOBS_MAX_CONCURRENT", 3),
			DefaultTimeout:       getEnvDuration("FLEETD_JOB_TIMEOUT", 5*time.Minute),
			KnowledgeSyncTimeout: getEnvDuration("FLEETD_KNOWLEDGE_SYNC_TIMEOUT", 15*time.Minute),
		},
		Outbox: OutboxConfig{
			PollInterval: getEnvDuration("FLEETD_OUTBOX_POLL_INTERVAL", time.Second),
			BatchLimit:   getEnvInt("FLEETD_OUTBOX_BATCH_LIMIT", 100),
		},
		Commander: CommanderConfig{
			ProjectDir: getEnv("FLEETD_COMMANDER_PROJECT_DIR", ""),
			StatusDir:  getEnv("FLEETD_COMMANDER_STATUS_DIR", ""),
			StateFile:  getEnv("FLEETD_COMMANDER_STATE_FILE", filepath.Join(base, "commander.json")),
		},
		Retention: RetentionConfig{
			OutboxRetention: getEnvDuration("FLEETD_OUTBOX_RETENTION", 7*24*time.Hour),
			JobRetention:    getEnvDuration("FLEETD_JOB_RETENTION", 30*24*time.Hour),
			Interval:        getEnvDuration("FLEETD_CLEANUP_INTERVAL", time.Hour),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
