package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/core"
)

// FromConfig converts a configured node into a registration request.
func FromConfig(n config.NodeConfig) (NodeConfig, error) {
	if strings.TrimSpace(n.ID) == "" {
		return NodeConfig{}, fmt.Errorf("node id is required")
	}
	tier, err := core.ParseTier(n.Tier)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("node %s: %w", n.ID, err)
	}
	kind := core.KindAPI
	if strings.EqualFold(n.Kind, string(core.KindWebGhost)) {
		kind = core.KindWebGhost
	}
	caps := make([]core.Capability, 0, len(n.Capabilities))
	for _, c := range n.Capabilities {
		caps = append(caps, core.Capability(strings.ToLower(strings.TrimSpace(c))))
	}
	return NodeConfig{
		ID:           n.ID,
		Provider:     core.ParseProvider(n.Provider),
		Tier:         tier,
		Kind:         kind,
		Endpoint:     n.Endpoint,
		Capabilities: caps,
		MaxTokens:    n.MaxTokens,
	}, nil
}

// Seed registers the configured nodes that are not already present, so
// nodes restored from a store keep their state. Invalid entries are logged
// and skipped. It returns the number of nodes registered.
func (r *Registry) Seed(seeds []config.NodeConfig) int {
	added := 0
	for _, s := range seeds {
		if _, ok := r.Get(s.ID); ok {
			continue
		}
		cfg, err := FromConfig(s)
		if err != nil {
			slog.Warn("[Registry] Skipping configured node", "error", err)
			continue
		}
		r.Register(cfg)
		added++
	}
	return added
}
