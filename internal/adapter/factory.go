package adapter

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ocx/dccp/internal/config"
)

// usable reports whether an API key looks real. Empty keys and the
// "your-...-key" placeholders shipped in sample env files are skipped.
func usable(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	return !strings.HasPrefix(lower, "your-") && !strings.Contains(lower, "placeholder")
}

// FromConfig builds the adapter set for the configured backends in the
// fixed order OpenAI, Anthropic, Google, Arena. Backends without usable
// credentials are left out. The returned closer releases browser resources.
func FromConfig(ctx context.Context, cfg config.AdaptersConfig) (*Set, io.Closer, error) {
	set := NewSet()
	var closer io.Closer = nopCloser{}

	if usable(cfg.OpenAI.APIKey) {
		set.Register(NewOpenAIAdapter(OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		}))
	}
	if usable(cfg.Anthropic.APIKey) {
		set.Register(NewAnthropicAdapter(AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
			Model:   cfg.Anthropic.Model,
		}))
	}
	if usable(cfg.Google.APIKey) {
		g, err := NewGoogleAdapter(ctx, GoogleConfig{APIKey: cfg.Google.APIKey, Model: cfg.Google.Model})
		if err != nil {
			return nil, nil, err
		}
		set.Register(g)
	}
	if cfg.Arena.Enabled {
		driver := NewRodDriver(GhostConfig{
			URL:           cfg.Arena.URL,
			InputSelector: cfg.Arena.InputSelector,
			ReplySelector: cfg.Arena.ReplySelector,
			Settle:        time.Duration(cfg.Arena.SettleMs) * time.Millisecond,
			Headless:      cfg.Arena.Headless,
			ControlURL:    cfg.Arena.ControlURL,
		})
		set.Register(NewGhostAdapter(driver))
		closer = driver
	}

	slog.Info("[Adapters] Registered backends", "adapters", set.IDs())
	return set, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func logCall(adapterID, path string, status int, d time.Duration) {
	slog.Debug("[Adapters] Backend call", "adapter", adapterID, "path", path, "status", status, "duration_ms", d.Milliseconds())
}
