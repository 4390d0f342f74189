// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for the database and backups (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int
	DevMode   bool

	Queue     QueueConfig
	Scheduler SchedulerConfig
	Generator GeneratorConfig
	Messaging MessagingConfig
	Policy    PolicyConfig
	Lease     LeaseConfig
	Telemetry TelemetryConfig
	Backup    BackupConfig
}

// QueueConfig controls the queue worker pool
type QueueConfig struct {
	Workers         int
	PollInterval    time.Duration
	Retention       time.Duration // Completed items older than this are deleted
	ProcessingGrace time.Duration // Locks older than this are considered abandoned
}

// SchedulerConfig controls the periodic jobs
type SchedulerConfig struct {
	IntelligenceUpdateSchedule string // cron spec, default @hourly
	ScheduledSendSchedule      string // cron spec, default every minute
	WaitSweepSchedule          string
	MaintenanceSchedule        string
	ItemDelay                  time.Duration // Delay between opportunities in one tick
	Timezone                   string        // Used to compute "today" for date-triggered actions
	ActiveStaleAfter           time.Duration
	ClosedLostStaleAfter       time.Duration
}

// GeneratorConfig configures the Intelligence Generator client
type GeneratorConfig struct {
	URL     string
	APIKey  string
	RPS     float64
	Timeout time.Duration
}

// MessagingConfig configures the Messaging Provider client
type MessagingConfig struct {
	URL     string
	APIKey  string
	RPS     float64
	Timeout time.Duration
}

// PolicyConfig points at the optional intent-equivalence policy file
type PolicyConfig struct {
	IntentPolicyFile string
}

// LeaseConfig selects the re-entrancy guard backend
type LeaseConfig struct {
	Backend   string // "local", "sqlite" or "redis"
	RedisAddr string
	RedisDB   int
	TTL       time.Duration
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// BackupConfig configures the daily database backup upload
type BackupConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string // S3-compatible endpoint (e.g. Cloudflare R2); empty uses AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Schedule        string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", true),
		Port:      getEnvAsInt("PORT", 8080),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		Queue: QueueConfig{
			Workers:         getEnvAsInt("QUEUE_WORKERS", 4),
			PollInterval:    getEnvAsDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
			Retention:       getEnvAsDuration("QUEUE_RETENTION", 7*24*time.Hour),
			ProcessingGrace: getEnvAsDuration("PROCESSING_GRACE", 30*time.Minute),
		},
		Scheduler: SchedulerConfig{
			IntelligenceUpdateSchedule: getEnv("INTELLIGENCE_UPDATE_SCHEDULE", "@hourly"),
			ScheduledSendSchedule:      getEnv("SCHEDULED_SEND_SCHEDULE", "@every 1m"),
			WaitSweepSchedule:          getEnv("WAIT_SWEEP_SCHEDULE", "@every 5m"),
			MaintenanceSchedule:        getEnv("MAINTENANCE_SCHEDULE", "0 30 2 * * *"),
			ItemDelay:                  getEnvAsDuration("SCHEDULER_ITEM_DELAY", 5*time.Second),
			Timezone:                   getEnv("SCHEDULER_TIMEZONE", "UTC"),
			ActiveStaleAfter:           getEnvAsDuration("ACTIVE_STALE_AFTER", 7*24*time.Hour),
			ClosedLostStaleAfter:       getEnvAsDuration("CLOSED_LOST_STALE_AFTER", 90*24*time.Hour),
		},
		Generator: GeneratorConfig{
			URL:     getEnv("GENERATOR_URL", "http://localhost:9000"),
			APIKey:  getEnv("GENERATOR_API_KEY", ""),
			RPS:     getEnvAsFloat("GENERATOR_RPS", 2),
			Timeout: getEnvAsDuration("GENERATOR_TIMEOUT", 2*time.Minute),
		},
		Messaging: MessagingConfig{
			URL:     getEnv("MESSAGING_URL", "http://localhost:9100"),
			APIKey:  getEnv("MESSAGING_API_KEY", ""),
			RPS:     getEnvAsFloat("MESSAGING_RPS", 5),
			Timeout: getEnvAsDuration("MESSAGING_TIMEOUT", 30*time.Second),
		},
		Policy: PolicyConfig{
			IntentPolicyFile: getEnv("INTENT_POLICY_FILE", ""),
		},
		Lease: LeaseConfig{
			Backend:   getEnv("LEASE_BACKEND", "sqlite"),
			RedisAddr: getEnv("REDIS_ADDR", ""),
			RedisDB:   getEnvAsInt("REDIS_DB", 0),
			TTL:       getEnvAsDuration("LEASE_TTL", 2*time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:     getEnvAsBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvAsBool("OTEL_INSECURE", true),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "nextaction"),
		},
		Backup: BackupConfig{
			Bucket:          getEnv("BACKUP_BUCKET", ""),
			Prefix:          getEnv("BACKUP_PREFIX", "nextaction"),
			Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
			Region:          getEnv("BACKUP_REGION", "auto"),
			AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
			Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"),
		},
	}

	// Redis address implies the redis backend unless one was chosen explicitly
	if cfg.Lease.RedisAddr != "" && os.Getenv("LEASE_BACKEND") == "" {
		cfg.Lease.Backend = "redis"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive")
	}
	if c.Scheduler.ItemDelay < 0 {
		return fmt.Errorf("SCHEDULER_ITEM_DELAY must not be negative")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", c.Scheduler.Timezone, err)
	}
	switch c.Lease.Backend {
	case "local", "sqlite":
	case "redis":
		if c.Lease.RedisAddr == "" {
			return fmt.Errorf("LEASE_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown LEASE_BACKEND %q", c.Lease.Backend)
	}
	return nil
}

// Location returns the scheduler timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DatabasePath returns the path of the core SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "nextaction.db")
}

// BackupEnabled reports whether backup uploads are configured
func (c *Config) BackupEnabled() bool {
	return strings.TrimSpace(c.Backup.Bucket) != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
