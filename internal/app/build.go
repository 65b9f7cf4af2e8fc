package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ent0n29/vigil/internal/audit"
	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/fusion"
	"github.com/ent0n29/vigil/internal/httpapi"
	"github.com/ent0n29/vigil/internal/lexical"
	"github.com/ent0n29/vigil/internal/logging"
	"github.com/ent0n29/vigil/internal/notify"
	"github.com/ent0n29/vigil/internal/observability"
	"github.com/ent0n29/vigil/internal/pipeline"
	"github.com/ent0n29/vigil/internal/retention"
	"github.com/ent0n29/vigil/internal/session"
	"github.com/ent0n29/vigil/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Service  *pipeline.Service
	Sweeper  *retention.Sweeper
	Store    store.Store
	Audit    audit.Log
	Metrics  *observability.Metrics
	Provider ProviderInfo

	// Cleanup ends live sessions and releases the store and audit log.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	tuning, err := config.LoadTuning(cfg.DetectionTuningFile)
	if err != nil {
		return nil, err
	}
	if cfg.Session, err = tuning.Apply(cfg.Session); err != nil {
		return nil, fmt.Errorf("detection tuning: %w", err)
	}
	tables, err := loadTables(tuning.KeywordsFile)
	if err != nil {
		return nil, err
	}

	provider, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	auditLog, err := openAudit(cfg.AuditLogPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sessions := session.NewManager(st, cfg.Session, session.WithMetrics(metrics))
	svc, err := pipeline.New(pipeline.Deps{
		Sessions: sessions,
		Store:    st,
		Scorer:   lexical.NewScorer(tables),
		Provider: provider.provider,
		Notifier: newDispatcher(cfg),
		Audit:    auditLog,
		Metrics:  metrics,
	}, pipeline.Config{
		QueueSize:         cfg.SessionQueueSize,
		Window:            cfg.AnalysisWindow,
		TranscribeTimeout: cfg.TranscribeTimeout,
		TranscribeSegment: cfg.TranscribeSegment,
		Thresholds:        thresholds(tuning),
	})
	if err != nil {
		_ = auditLog.Close()
		_ = st.Close()
		return nil, err
	}

	api, err := httpapi.New(cfg, svc, metrics)
	if err != nil {
		_ = svc.Close(ctx)
		_ = auditLog.Close()
		_ = st.Close()
		return nil, err
	}

	sweeper := retention.NewSweeper(st, svc,
		retention.WithInterval(cfg.SweepInterval),
		retention.WithAudit(auditLog),
		retention.WithMetrics(metrics))

	logging.Infow("service assembled",
		"store", store.Backend(st),
		"transcribe.provider", provider.Name,
		"notify.webhook", cfg.NotifyWebhookURL != "",
		"audit.path", cfg.AuditLogPath)

	cleanup := func(ctx context.Context) error {
		return errors.Join(svc.Close(ctx), auditLog.Close(), st.Close())
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Service:  svc,
		Sweeper:  sweeper,
		Store:    st,
		Audit:    auditLog,
		Metrics:  metrics,
		Provider: provider.ProviderInfo,
		Cleanup:  cleanup,
	}, nil
}

func loadTables(path string) (*lexical.Tables, error) {
	if path == "" {
		return lexical.DefaultTables(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keywords file: %w", err)
	}
	defer f.Close()
	tables, err := lexical.LoadTables(f)
	if err != nil {
		return nil, fmt.Errorf("keywords file %s: %w", path, err)
	}
	return tables, nil
}

func thresholds(t config.DetectionTuning) fusion.Thresholds {
	out := fusion.DefaultThresholds()
	if t.Thresholds.Critical > 0 {
		out.Critical = t.Thresholds.Critical
	}
	if t.Thresholds.High > 0 {
		out.High = t.Thresholds.High
	}
	if t.Thresholds.Medium > 0 {
		out.Medium = t.Thresholds.Medium
	}
	return out
}

func openAudit(path string) (audit.Log, error) {
	if path == "" {
		return audit.NewMemoryLog(10_000), nil
	}
	l, err := audit.OpenFileLog(path)
	if err != nil {
		return nil, fmt.Errorf("audit log init failed: %w", err)
	}
	return l, nil
}

// newDispatcher logs every notification and posts to the webhook when one
// is configured. Contacts on the "log" channel are only logged.
func newDispatcher(cfg config.Config) notify.Dispatcher {
	opts := []notify.Option{notify.WithTimeout(cfg.NotifyTimeout)}
	if cfg.NotifyWebhookURL == "" {
		return notify.NewFanout(notify.LogSender{}, opts...)
	}
	webhook := notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
	return notify.NewFanout(webhook, opts...).Route("log", notify.LogSender{})
}
