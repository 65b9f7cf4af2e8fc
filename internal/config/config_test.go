package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if cfg.TranscribeProvider != "none" {
		t.Fatalf("TranscribeProvider = %q, want none", cfg.TranscribeProvider)
	}
	if cfg.TranscribeTimeout != 5*time.Second {
		t.Fatalf("TranscribeTimeout = %v, want 5s", cfg.TranscribeTimeout)
	}
	if cfg.Session.AudioRetentionDays != 7 || cfg.Session.RetentionDays != 30 {
		t.Fatalf("retention = %d/%d, want 7/30", cfg.Session.AudioRetentionDays, cfg.Session.RetentionDays)
	}
	if cfg.Session.FusionWeights != (FusionWeights{Text: 0.7, Audio: 0.3}) {
		t.Fatalf("FusionWeights = %+v", cfg.Session.FusionWeights)
	}
}

func TestLoadReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "LOG_LEVEL=debug\nAPP_METRICS_NAMESPACE=fromfile\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("APP_METRICS_NAMESPACE", "fromenv")
	os.Unsetenv("LOG_LEVEL")
	t.Cleanup(func() { os.Unsetenv("LOG_LEVEL") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug from .env", cfg.LogLevel)
	}
	if cfg.MetricsNamespace != "fromenv" {
		t.Fatalf("MetricsNamespace = %q, want fromenv", cfg.MetricsNamespace)
	}
}

func TestLoadRejectsHTTPProviderWithoutURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TRANSCRIBE_PROVIDER", "http")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing TRANSCRIBE_URL")
	}
}

func TestLoadRejectsWeightsNotSummingToOne(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("FUSION_TEXT_WEIGHT", "0.8")

	_, err := Load()
	if !errors.Is(err, ErrInvalidSessionConfig) {
		t.Fatalf("Load() error = %v, want ErrInvalidSessionConfig", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"DATABASE_URL",
		"STORAGE_PATH",
		"AUDIT_LOG_PATH",
		"TRANSCRIBE_PROVIDER",
		"TRANSCRIBE_URL",
		"TRANSCRIBE_FALLBACK_URL",
		"TRANSCRIBE_TIMEOUT",
		"TRANSCRIBE_SEGMENT",
		"NOTIFY_WEBHOOK_URL",
		"NOTIFY_TIMEOUT",
		"SWEEP_INTERVAL",
		"SESSION_QUEUE_SIZE",
		"ANALYSIS_WINDOW",
		"DETECTION_TUNING_FILE",
		"DEFAULT_LANGUAGE",
		"AUDIO_RETENTION_DAYS",
		"TRANSCRIPT_RETENTION_DAYS",
		"MAX_SESSION_DURATION",
		"FUSION_TEXT_WEIGHT",
		"FUSION_AUDIO_WEIGHT",
		"ALERT_THRESHOLD",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
