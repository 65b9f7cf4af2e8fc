package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the emergency detection service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string

	DatabaseURL  string
	StoragePath  string
	AuditLogPath string

	TranscribeProvider    string
	TranscribeURL         string
	TranscribeFallbackURL string
	TranscribeTimeout     time.Duration
	TranscribeSegment     time.Duration

	NotifyWebhookURL string
	NotifyTimeout    time.Duration

	SweepInterval       time.Duration
	SessionQueueSize    int
	AnalysisWindow      time.Duration
	DetectionTuningFile string

	// Session holds the defaults applied to every created session.
	Session SessionConfig
}

// Load reads environment variables and applies safe defaults. A .env file
// (APP_ENV_FILE, default ".env") is loaded first when present; variables
// already set in the environment win.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "vigil"),
		AllowAnyOrigin:        false,
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		StoragePath:           stringsTrimSpace("STORAGE_PATH"),
		AuditLogPath:          stringsTrimSpace("AUDIT_LOG_PATH"),
		TranscribeProvider:    strings.ToLower(envOrDefault("TRANSCRIBE_PROVIDER", "none")),
		TranscribeURL:         stringsTrimSpace("TRANSCRIBE_URL"),
		TranscribeFallbackURL: stringsTrimSpace("TRANSCRIBE_FALLBACK_URL"),
		NotifyWebhookURL:      stringsTrimSpace("NOTIFY_WEBHOOK_URL"),
		DetectionTuningFile:   stringsTrimSpace("DETECTION_TUNING_FILE"),
		ShutdownTimeout:       15 * time.Second,
		TranscribeTimeout:     5 * time.Second,
		TranscribeSegment:     2 * time.Second,
		NotifyTimeout:         10 * time.Second,
		SweepInterval:         time.Minute,
		SessionQueueSize:      64,
		AnalysisWindow:        3 * time.Second,
		Session:               DefaultSessionConfig(),
	}
	cfg.Session.Language = strings.ToLower(envOrDefault("DEFAULT_LANGUAGE", cfg.Session.Language))

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeTimeout, err = durationFromEnv("TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeSegment, err = durationFromEnv("TRANSCRIBE_SEGMENT", cfg.TranscribeSegment); err != nil {
		return Config{}, err
	}
	if cfg.NotifyTimeout, err = durationFromEnv("NOTIFY_TIMEOUT", cfg.NotifyTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationFromEnv("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SessionQueueSize, err = intFromEnv("SESSION_QUEUE_SIZE", cfg.SessionQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.AnalysisWindow, err = durationFromEnv("ANALYSIS_WINDOW", cfg.AnalysisWindow); err != nil {
		return Config{}, err
	}
	if cfg.Session.AudioRetentionDays, err = intFromEnv("AUDIO_RETENTION_DAYS", cfg.Session.AudioRetentionDays); err != nil {
		return Config{}, err
	}
	if cfg.Session.RetentionDays, err = intFromEnv("TRANSCRIPT_RETENTION_DAYS", cfg.Session.RetentionDays); err != nil {
		return Config{}, err
	}
	maxDuration, err := durationFromEnv("MAX_SESSION_DURATION", time.Duration(cfg.Session.MaxSessionDurationMs)*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	cfg.Session.MaxSessionDurationMs = maxDuration.Milliseconds()
	if cfg.Session.FusionWeights.Text, err = floatFromEnv("FUSION_TEXT_WEIGHT", cfg.Session.FusionWeights.Text); err != nil {
		return Config{}, err
	}
	if cfg.Session.FusionWeights.Audio, err = floatFromEnv("FUSION_AUDIO_WEIGHT", cfg.Session.FusionWeights.Audio); err != nil {
		return Config{}, err
	}
	if cfg.Session.AlertThreshold, err = floatFromEnv("ALERT_THRESHOLD", cfg.Session.AlertThreshold); err != nil {
		return Config{}, err
	}

	switch cfg.TranscribeProvider {
	case "none", "mock":
	case "http":
		if cfg.TranscribeURL == "" {
			return Config{}, fmt.Errorf("TRANSCRIBE_URL is required when TRANSCRIBE_PROVIDER=http")
		}
	default:
		return Config{}, fmt.Errorf("TRANSCRIBE_PROVIDER must be one of none|mock|http, got %q", cfg.TranscribeProvider)
	}
	if cfg.TranscribeTimeout <= 0 {
		return Config{}, fmt.Errorf("TRANSCRIBE_TIMEOUT must be positive")
	}
	if cfg.TranscribeSegment < 250*time.Millisecond {
		return Config{}, fmt.Errorf("TRANSCRIBE_SEGMENT must be at least 250ms")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.SessionQueueSize <= 0 {
		return Config{}, fmt.Errorf("SESSION_QUEUE_SIZE must be positive")
	}
	if cfg.AnalysisWindow < 500*time.Millisecond || cfg.AnalysisWindow > 30*time.Second {
		return Config{}, fmt.Errorf("ANALYSIS_WINDOW must be between 500ms and 30s")
	}
	if _, err := cfg.Session.Normalize(cfg.Session); err != nil {
		return Config{}, fmt.Errorf("session defaults: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
