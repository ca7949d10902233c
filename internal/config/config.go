// Package config loads worker configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the build worker needs at startup.
type Config struct {
	Environment string

	// Database
	DatabaseURL string
	SQLitePath  string // used when DatabaseURL is empty (dev/test)

	// Redis (events, webhook dedup, asynq broker)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Worker
	Concurrency  int
	WorkspaceDir string
	HistoryDir   string

	// Code generation engine
	EngineCmd  string
	EngineArgs []string

	// Default build budget, used when a template declares none
	DefaultBuildTimeout time.Duration
	DefaultMaxSteps     int

	// Artifact store
	S3Bucket          string
	S3Region          string
	ArtifactMaxBytes  int64
	VersionWindowSize int

	// Deployment
	PaaSToken      string
	PaaSBaseURL    string
	EdgeHostURL    string
	WebhookAddr    string
	PollFirstDelay time.Duration
	PollInterval   time.Duration
	PollMaxChecks  int
}

// Load reads configuration from the environment, with an optional .env file
// for local development. Missing values fall back to defaults; only values
// with no sane default are left empty for the caller to validate.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "buildforge.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		Concurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		WorkspaceDir: getEnv("WORKSPACE_DIR", "/var/lib/buildforge/workspaces"),
		HistoryDir:   getEnv("HISTORY_DIR", "/var/lib/buildforge/history"),

		EngineCmd:  getEnv("ENGINE_CMD", "codegen"),
		EngineArgs: nil,

		DefaultBuildTimeout: getEnvDuration("DEFAULT_BUILD_TIMEOUT", 10*time.Minute),
		DefaultMaxSteps:     getEnvInt("DEFAULT_MAX_STEPS", 50),

		S3Bucket:          os.Getenv("ARTIFACT_BUCKET"),
		S3Region:          getEnv("AWS_REGION", "us-east-1"),
		ArtifactMaxBytes:  getEnvInt64("ARTIFACT_MAX_BYTES", 512*1024*1024),
		VersionWindowSize: getEnvInt("VERSION_WINDOW_SIZE", 10),

		PaaSToken:      os.Getenv("PAAS_TOKEN"),
		PaaSBaseURL:    getEnv("PAAS_BASE_URL", "https://api.vercel.com"),
		EdgeHostURL:    getEnv("EDGE_HOST_URL", "http://localhost:9090"),
		WebhookAddr:    getEnv("WEBHOOK_ADDR", ":8085"),
		PollFirstDelay: getEnvDuration("DEPLOY_POLL_FIRST_DELAY", 15*time.Second),
		PollInterval:   getEnvDuration("DEPLOY_POLL_INTERVAL", 10*time.Second),
		PollMaxChecks:  getEnvInt("DEPLOY_POLL_MAX_CHECKS", 40),
	}
}

// IsProduction reports whether the worker runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
