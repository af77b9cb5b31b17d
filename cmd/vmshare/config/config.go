// Package config loads vmshare's process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// getBuildVersion extracts version info from Go's embedded build info.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if revision == "" {
		return "unknown"
	}
	if len(revision) > 8 {
		revision = revision[:8]
	}
	if dirty {
		revision += "-dirty"
	}
	return revision
}

// Config holds all process-wide configuration for vmshare.
type Config struct {
	Port string

	// Storage
	DatabaseURL   string
	RedisURL      string
	SnapshotsDir  string
	RunDir        string
	ProfilesFile  string // optional YAML file overriding the built-in OS profile table

	// Security
	SecretKey             string
	TokenAlgorithm        string
	TokenLifetimeMinutes  int
	CookieMaxAgeSeconds   int
	RecaptchaSecret       string
	RecaptchaBypass       bool

	// Upload limits
	MaxInstallerBytes int64
	UploadChunkBytes  int64

	// Server
	PublicHost        string
	WSGatewayBaseURL  string
	SessionTTLSeconds int
	DefaultBackend    string // "unix" | "tcp"
	AttachPolicy      string // "refuse" | "serialize" (spec's resolved Open Question default: refuse)

	// Timeouts (Section 5)
	PidfileWaitTimeout time.Duration
	ControlRPCTimeout  time.Duration
	BackupJobTimeout   time.Duration
	ShutdownGrace      time.Duration

	// Observability
	MetricsMultiprocessDir string
	MetricsLeader          bool // set on exactly one process when multiple share a host's gauges
	CPUThresholdPercent    float64
	MemThresholdPercent    float64
	SustainWindowSeconds   int
	SampleIntervalSeconds  int
	DiskFreeThresholdMB    int64

	// OpenTelemetry
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string

	// Logging
	LogLevel string
}

// Load reads configuration from the environment (loading .env first if present).
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		SnapshotsDir: getEnv("SNAPSHOTS_DIR", "/var/lib/vmshare/snapshots"),
		RunDir:       getEnv("RUN_DIR", "/var/run/vmshare"),
		ProfilesFile: getEnv("PROFILES_FILE", ""),

		SecretKey:            getEnv("SECRET_KEY", ""),
		TokenAlgorithm:       getEnv("TOKEN_ALGORITHM", "HS256"),
		TokenLifetimeMinutes: getEnvInt("TOKEN_LIFETIME_MINUTES", 60),
		CookieMaxAgeSeconds:  getEnvInt("COOKIE_MAX_AGE_SECONDS", 3600),
		RecaptchaSecret:      getEnv("RECAPTCHA_SECRET", ""),
		RecaptchaBypass:      getEnvBool("RECAPTCHA_BYPASS", false),

		MaxInstallerBytes: getEnvBytes("MAX_INSTALLER_BYTES", 5*datasize.GB),
		UploadChunkBytes:  getEnvBytes("UPLOAD_CHUNK_BYTES", 1*datasize.MB),

		PublicHost:        getEnv("PUBLIC_HOST", "localhost"),
		WSGatewayBaseURL:  getEnv("WS_GATEWAY_BASE_URL", ""),
		SessionTTLSeconds: getEnvInt("SESSION_TTL_SECONDS", 0),
		DefaultBackend:    getEnv("DEFAULT_BACKEND", "unix"),
		AttachPolicy:      getEnv("ATTACH_POLICY", "refuse"),

		PidfileWaitTimeout: getEnvDuration("PIDFILE_WAIT_TIMEOUT", 10*time.Second),
		ControlRPCTimeout:  getEnvDuration("CONTROL_RPC_TIMEOUT", 4*time.Second),
		BackupJobTimeout:   getEnvDuration("BACKUP_JOB_TIMEOUT", 300*time.Second),
		ShutdownGrace:      getEnvDuration("SHUTDOWN_GRACE", 5*time.Second),

		MetricsMultiprocessDir: getEnv("METRICS_MULTIPROCESS_DIR", ""),
		MetricsLeader:          getEnvBool("METRICS_LEADER", false),
		CPUThresholdPercent:    getEnvFloat("CPU_THRESHOLD_PERCENT", 90.0),
		MemThresholdPercent:    getEnvFloat("MEM_THRESHOLD_PERCENT", 90.0),
		SustainWindowSeconds:   getEnvInt("SUSTAIN_WINDOW_SECONDS", 30),
		SampleIntervalSeconds:  getEnvInt("SAMPLE_INTERVAL_SECONDS", 5),
		DiskFreeThresholdMB:    int64(getEnvInt("DISK_FREE_THRESHOLD_MB", 1024)),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "vmshare"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", getBuildVersion()),
		Env:                   getEnv("ENV", "unset"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvBytes(key string, defaultValue datasize.ByteSize) int64 {
	if value := os.Getenv(key); value != "" {
		var bs datasize.ByteSize
		if err := bs.UnmarshalText([]byte(value)); err == nil {
			return int64(bs.Bytes())
		}
	}
	return int64(defaultValue.Bytes())
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if c.AttachPolicy != "refuse" && c.AttachPolicy != "serialize" {
		return fmt.Errorf("ATTACH_POLICY must be 'refuse' or 'serialize', got %q", c.AttachPolicy)
	}
	if c.DefaultBackend != "unix" && c.DefaultBackend != "tcp" {
		return fmt.Errorf("DEFAULT_BACKEND must be 'unix' or 'tcp', got %q", c.DefaultBackend)
	}
	if c.PidfileWaitTimeout <= 0 {
		return fmt.Errorf("PIDFILE_WAIT_TIMEOUT must be positive")
	}
	if c.ControlRPCTimeout <= 0 {
		return fmt.Errorf("CONTROL_RPC_TIMEOUT must be positive")
	}
	if c.BackupJobTimeout <= 0 {
		return fmt.Errorf("BACKUP_JOB_TIMEOUT must be positive")
	}
	return nil
}
