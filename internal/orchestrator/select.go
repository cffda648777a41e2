package orchestrator

import (
	"strings"

	"github.com/ocx/dccp/internal/adapter"
	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/registry"
)

type keywordRoute struct {
	keywords  []string
	adapterID string
}

// adapterRoutes are checked in order against the lowercased payload.
var adapterRoutes = []keywordRoute{
	{keywords: []string{"arena", "adversarial", "audit"}, adapterID: adapter.IDArena},
	{keywords: []string{"openai", "gpt"}, adapterID: adapter.IDOpenAI},
	{keywords: []string{"anthropic", "claude"}, adapterID: adapter.IDAnthropic},
	{keywords: []string{"google", "gemini"}, adapterID: adapter.IDGoogle},
}

// selectAdapter matches payload keywords to an adapter. A keyword whose
// adapter is not registered falls through to the next route, and finally to
// the first registered adapter.
func (o *Orchestrator) selectAdapter(p *compiler.Packet) (adapter.Adapter, bool) {
	payload := strings.ToLower(p.Payload())
	for _, r := range adapterRoutes {
		if !containsAny(payload, r.keywords) {
			continue
		}
		if a, ok := o.deps.Adapters.Get(r.adapterID); ok {
			return a, true
		}
	}
	return o.deps.Adapters.First()
}

// selectNode picks the highest scoring active node. AUTO_EVOLVE packets
// prefer mid and highest tier nodes when any are active.
func (o *Orchestrator) selectNode(p *compiler.Packet) (registry.Node, bool) {
	nodes := o.deps.Registry.Available()
	if p.GenerationLimit() == core.LimitAutoEvolve {
		var upper []registry.Node
		for _, n := range nodes {
			if n.Tier == core.TierMid || n.Tier == core.TierHighest {
				upper = append(upper, n)
			}
		}
		if len(upper) > 0 {
			nodes = upper
		}
	}
	return bestByScore(nodes)
}

// alternativeNode is the best active node other than excludeID.
func (o *Orchestrator) alternativeNode(excludeID string) (registry.Node, bool) {
	var nodes []registry.Node
	for _, n := range o.deps.Registry.Available() {
		if n.ID != excludeID {
			nodes = append(nodes, n)
		}
	}
	return bestByScore(nodes)
}

// bestByScore keeps the first node among equal scores.
func bestByScore(nodes []registry.Node) (registry.Node, bool) {
	if len(nodes) == 0 {
		return registry.Node{}, false
	}
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Score > best.Score {
			best = n
		}
	}
	return best, true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
