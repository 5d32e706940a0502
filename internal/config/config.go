package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-derived settings shared by the sync daemon
// and the HTTP API process.
type Config struct {
	DatabaseURL string

	// worker/scheduler tuning
	PollIntervalSeconds         int
	HeartbeatIntervalSeconds    int
	MaxRetries                  int
	MaxConcurrentJobsPerWorker  int
	JobLockTimeout              time.Duration
	WorkerHeartbeatTimeout      time.Duration
	SchedulerBucket             time.Duration
	WorkerFailureBackoffSeconds int
	ShutdownTimeout             time.Duration

	// provider credentials
	GoogleClientID     string
	GoogleClientSecret string
	GooglePubSubTopic  string

	// HTTP surfaces
	ListenAddr    string
	APIListenAddr string
}

// Load reads configuration from environment variables, falling back to a
// .env file in the working directory if present.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Gmail API will not work")
	}

	return &Config{
		DatabaseURL: dbURL,

		PollIntervalSeconds:         envInt("POLL_INTERVAL_SECONDS", 5),
		HeartbeatIntervalSeconds:    envInt("HEARTBEAT_INTERVAL_SECONDS", 30),
		MaxRetries:                  envInt("MAX_RETRIES", 3),
		MaxConcurrentJobsPerWorker:  envInt("MAX_CONCURRENT_JOBS_PER_WORKER", 1),
		JobLockTimeout:              time.Duration(envInt("JOB_LOCK_TIMEOUT_SECONDS", 600)) * time.Second,
		WorkerHeartbeatTimeout:      time.Duration(envInt("WORKER_HEARTBEAT_TIMEOUT_SECONDS", 300)) * time.Second,
		SchedulerBucket:             time.Duration(envInt("SCHEDULER_BUCKET_SECONDS", 300)) * time.Second,
		WorkerFailureBackoffSeconds: envInt("WORKER_FAILURE_BACKOFF_SECONDS", 60),
		ShutdownTimeout:             time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,

		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		GooglePubSubTopic:  os.Getenv("GOOGLE_PUBSUB_TOPIC"),

		ListenAddr:    envString("LISTEN_ADDR", ":8081"),
		APIListenAddr: envString("API_LISTEN_ADDR", ":8080"),
	}, nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envString(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
