package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/transcribe"
)

// ProviderInfo describes the transcription backend in use.
type ProviderInfo struct {
	Name   string
	Detail string
}

type providerSetup struct {
	ProviderInfo
	provider transcribe.Provider
}

func resolveProvider(cfg config.Config) (providerSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.TranscribeProvider))
	switch mode {
	case "", "none":
		return providerSetup{
			ProviderInfo: ProviderInfo{Name: "none", Detail: "client transcripts only"},
		}, nil
	case "mock":
		return providerSetup{
			ProviderInfo: ProviderInfo{Name: "mock", Detail: "mock (empty transcripts)"},
			provider:     transcribe.NewMockProvider(),
		}, nil
	case "http":
		if strings.TrimSpace(cfg.TranscribeURL) == "" {
			return providerSetup{}, fmt.Errorf("TRANSCRIBE_PROVIDER=http but TRANSCRIBE_URL is not set")
		}
		primary := transcribe.NewHTTPProvider("whisper", cfg.TranscribeURL, cfg.TranscribeTimeout)
		if cfg.TranscribeFallbackURL == "" {
			return providerSetup{
				ProviderInfo: ProviderInfo{Name: primary.Name(), Detail: cfg.TranscribeURL},
				provider:     primary,
			}, nil
		}
		fallback := transcribe.NewHTTPProvider("whisper-fallback", cfg.TranscribeFallbackURL, cfg.TranscribeTimeout)
		p := transcribe.NewFailover(primary, fallback)
		return providerSetup{
			ProviderInfo: ProviderInfo{Name: p.Name(), Detail: fmt.Sprintf("%s (fallback %s)", cfg.TranscribeURL, cfg.TranscribeFallbackURL)},
			provider:     p,
		}, nil
	default:
		return providerSetup{}, fmt.Errorf("invalid TRANSCRIBE_PROVIDER: %q (expected none|mock|http)", cfg.TranscribeProvider)
	}
}
