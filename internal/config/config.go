package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/newpush/coach-sub004/internal/load"
	"github.com/newpush/coach-sub004/internal/orchestrator"
	"github.com/newpush/coach-sub004/internal/streams"
	"github.com/newpush/coach-sub004/internal/worker"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Database configuration
	DatabasePath string

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Internal API configuration
	InternalAPISecret string
	InternalAPIIssuer string

	// Provider configuration
	StravaVerifyToken  string
	StravaClientID     string
	StravaClientSecret string
	StravaBaseURL      string
	IntervalsBaseURL   string
	WhoopBaseURL       string
	FitImportDir       string

	// Worker configuration
	WorkerCount          int
	UserConcurrency      int
	SyncStaleAfter       time.Duration
	ScheduleInterval     time.Duration
	ScheduleLookbackDays int
	RateLimitCooldown    time.Duration

	// Outbox configuration
	KafkaBrokers       []string
	KafkaTopic         string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// Derived metrics configuration
	ZonesFile           string
	ChronicDays         float64
	AcuteDays           float64
	OverreachBalance    float64
	ProjectionDays      int
	SplitDistance       float64
	SplitDeadband       float64
	ErraticStdDev       float64
	SurgeThreshold      float64
	SurgeMinSamples     int
	SurgeBaselineWindow int
}

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Load reads configuration from environment variables
// It fails fast if required variables are missing
func Load() (*Config, error) {
	cfg := &Config{
		Host:         getEnv("HOST", "localhost"),
		Port:         getEnvInt("PORT", 4101),
		DatabasePath: getEnv("DATABASE_PATH", "./data.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsHost:    getEnv("METRICS_HOST", "localhost"),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),

		InternalAPIIssuer: getEnv("INTERNAL_API_ISSUER", "coach-sync"),

		StravaVerifyToken:  os.Getenv("STRAVA_VERIFY_TOKEN"),
		StravaClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),
		StravaBaseURL:      getEnv("STRAVA_BASE_URL", "https://www.strava.com/api/v3"),
		IntervalsBaseURL:   getEnv("INTERVALS_BASE_URL", "https://intervals.icu/api/v1"),
		WhoopBaseURL:       getEnv("WHOOP_BASE_URL", "https://api.prod.whoop.com/developer/v1"),
		FitImportDir:       os.Getenv("FIT_IMPORT_DIR"),

		WorkerCount:          getEnvInt("WORKER_COUNT", 2),
		UserConcurrency:      getEnvInt("USER_CONCURRENCY", 2),
		SyncStaleAfter:       getEnvDuration("SYNC_STALE_AFTER", 30*time.Minute),
		ScheduleInterval:     getEnvDuration("SCHEDULE_INTERVAL", time.Hour),
		ScheduleLookbackDays: getEnvInt("SCHEDULE_LOOKBACK_DAYS", 3),
		RateLimitCooldown:    getEnvDuration("RATE_LIMIT_COOLDOWN", 15*time.Minute),

		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "coach.sync.events"),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 100),

		ZonesFile:           os.Getenv("ZONES_FILE"),
		ChronicDays:         getEnvFloat("CHRONIC_DAYS", 42),
		AcuteDays:           getEnvFloat("ACUTE_DAYS", 7),
		OverreachBalance:    getEnvFloat("OVERREACH_BALANCE", -30),
		ProjectionDays:      getEnvInt("PROJECTION_DAYS", 14),
		SplitDistance:       getEnvFloat("SPLIT_DISTANCE", 1000),
		SplitDeadband:       getEnvFloat("SPLIT_DEADBAND", 10),
		ErraticStdDev:       getEnvFloat("ERRATIC_STDDEV", 0.8),
		SurgeThreshold:      getEnvFloat("SURGE_THRESHOLD", 0.15),
		SurgeMinSamples:     getEnvInt("SURGE_MIN_SAMPLES", 5),
		SurgeBaselineWindow: getEnvInt("SURGE_BASELINE_WINDOW", 30),
	}

	// Required values
	var missingVars []string

	cfg.InternalAPISecret = os.Getenv("INTERNAL_API_SECRET")
	if cfg.InternalAPISecret == "" {
		missingVars = append(missingVars, "INTERNAL_API_SECRET")
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("PORT must be between 1 and 65535")
	}
	if c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return errors.New("METRICS_PORT must be between 1 and 65535")
	}
	valid := false
	for _, l := range validLogLevels {
		if c.LogLevel == l {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", "))
	}
	if c.WorkerCount < 1 {
		return errors.New("WORKER_COUNT must be at least 1")
	}
	if c.UserConcurrency < 1 {
		return errors.New("USER_CONCURRENCY must be at least 1")
	}
	if c.ChronicDays <= c.AcuteDays || c.AcuteDays <= 0 {
		return errors.New("CHRONIC_DAYS must be greater than ACUTE_DAYS, and both positive")
	}
	return nil
}

// StravaEnabled reports whether Strava API credentials are configured
func (c *Config) StravaEnabled() bool {
	return c.StravaClientID != "" && c.StravaClientSecret != ""
}

// Orchestrator returns the sync orchestrator settings
func (c *Config) Orchestrator() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.UserConcurrency = int64(c.UserConcurrency)
	cfg.StaleAfter = c.SyncStaleAfter
	cfg.ProjectionDays = c.ProjectionDays
	cfg.OverreachBalance = c.OverreachBalance
	cfg.Load = load.Config{ChronicDays: c.ChronicDays, AcuteDays: c.AcuteDays}
	cfg.Streams = streams.Config{
		SplitDistance: c.SplitDistance,
		SplitDeadband: c.SplitDeadband,
		ErraticStdDev: c.ErraticStdDev,
		Surge: streams.SurgeConfig{
			Threshold:      c.SurgeThreshold,
			MinSamples:     c.SurgeMinSamples,
			BaselineWindow: c.SurgeBaselineWindow,
		},
	}
	return cfg
}

// Worker returns the worker pool settings
func (c *Config) Worker() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Count = c.WorkerCount
	cfg.RateLimitCooldown = c.RateLimitCooldown
	return cfg
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go duration strings such as "90s" or "15m"
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
