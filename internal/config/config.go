// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Data directory layout. Everything durable lives under DataDir:
	// agents/, locks/, heartbeats/, metadata.json, audit.db.
	DataDir string

	// Policy file with runtime-tunable decision thresholds and controller
	// bounds. Empty disables the file (env/defaults only, no hot reload).
	PolicyPath string

	// Lock bounds.
	AgentLockTimeout     time.Duration // exclusive per-agent lock
	MetadataReadTimeout  time.Duration // shared metadata lock before unlocked fallback
	MetadataWriteTimeout time.Duration // exclusive metadata lock

	// Dynamics settings.
	DT            float64 // integration step per cycle
	VoidThreshold float64 // |V| above this latches void_active
	HistoryDepth  int     // ring buffer capacity per agent

	// Controller settings.
	ControllerPeriod    uint64  // run the adaptive step every N cycles
	ConfidenceThreshold float64 // minimum caller confidence for the step
	Lambda1Min          float64
	Lambda1Max          float64
	Lambda1MaxStep      float64

	// Liveness settings.
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	MaxWorkers         int
	ReapGracePeriod    time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxVectorLen        int
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("SEIGYO_PORT", 8080),
		ReadTimeout:          envDuration("SEIGYO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("SEIGYO_WRITE_TIMEOUT", 30*time.Second),
		DataDir:              envStr("SEIGYO_DATA_DIR", defaultDataDir()),
		PolicyPath:           envStr("SEIGYO_POLICY_PATH", ""),
		AgentLockTimeout:     envDuration("SEIGYO_AGENT_LOCK_TIMEOUT", 5*time.Second),
		MetadataReadTimeout:  envDuration("SEIGYO_METADATA_READ_TIMEOUT", 2*time.Second),
		MetadataWriteTimeout: envDuration("SEIGYO_METADATA_WRITE_TIMEOUT", 5*time.Second),
		DT:                   envFloat("SEIGYO_DT", 1.0),
		VoidThreshold:        envFloat("SEIGYO_VOID_THRESHOLD", 0.15),
		HistoryDepth:         envInt("SEIGYO_HISTORY_DEPTH", 32),
		ControllerPeriod:     uint64(envInt("SEIGYO_CONTROLLER_PERIOD", 10)), //nolint:gosec // validated positive below
		ConfidenceThreshold:  envFloat("SEIGYO_CONFIDENCE_THRESHOLD", 0.8),
		Lambda1Min:           envFloat("SEIGYO_LAMBDA1_MIN", 0.05),
		Lambda1Max:           envFloat("SEIGYO_LAMBDA1_MAX", 0.20),
		Lambda1MaxStep:       envFloat("SEIGYO_LAMBDA1_MAX_STEP", 0.01),
		HeartbeatInterval:    envDuration("SEIGYO_HEARTBEAT_INTERVAL", 30*time.Second),
		StalenessThreshold:   envDuration("SEIGYO_STALENESS_THRESHOLD", 5*time.Minute),
		MaxWorkers:           envInt("SEIGYO_MAX_WORKERS", 8),
		ReapGracePeriod:      envDuration("SEIGYO_REAP_GRACE_PERIOD", 5*time.Second),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "seigyo"),
		LogLevel:             envStr("SEIGYO_LOG_LEVEL", "info"),
		MaxVectorLen:         envInt("SEIGYO_MAX_VECTOR_LEN", 64),
		MaxRequestBodyBytes:  int64(envInt("SEIGYO_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and internally consistent.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: SEIGYO_DATA_DIR is required")
	}
	if c.DT <= 0 {
		return fmt.Errorf("config: SEIGYO_DT must be positive")
	}
	if c.ControllerPeriod == 0 {
		return fmt.Errorf("config: SEIGYO_CONTROLLER_PERIOD must be positive")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: SEIGYO_CONFIDENCE_THRESHOLD must be in [0,1]")
	}
	if c.Lambda1Min <= 0 || c.Lambda1Max <= c.Lambda1Min {
		return fmt.Errorf("config: lambda1 bounds must satisfy 0 < min < max")
	}
	if c.Lambda1MaxStep <= 0 {
		return fmt.Errorf("config: SEIGYO_LAMBDA1_MAX_STEP must be positive")
	}
	if c.HistoryDepth <= 0 {
		return fmt.Errorf("config: SEIGYO_HISTORY_DEPTH must be positive")
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("config: SEIGYO_MAX_WORKERS must be positive")
	}
	if c.AgentLockTimeout <= 0 || c.MetadataReadTimeout <= 0 || c.MetadataWriteTimeout <= 0 {
		return fmt.Errorf("config: lock timeouts must be positive")
	}
	if c.MaxVectorLen <= 0 {
		return fmt.Errorf("config: SEIGYO_MAX_VECTOR_LEN must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SEIGYO_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".seigyo"
	}
	return filepath.Join(home, ".seigyo")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
