// Package handshake scores how well a node fits a packet before any call
// is made to the node's backend.
package handshake

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/registry"
)

// Action is the recommended next step after a handshake.
type Action string

const (
	ActionProceed Action = "PROCEED"
	ActionWarn    Action = "WARN"
	ActionBlock   Action = "BLOCK"
)

// Score thresholds and deductions.
const (
	maxScore = 100

	SuccessThreshold    = 50
	AuthorizedThreshold = 70
	lowNodeScore        = 50

	penaltyCriticalCapability = 40
	penaltyOptionalCapability = 10
	penaltyStrictOnLowestTier = 15
	penaltyForbiddenLimit     = 50
	penaltyPermissiveOnLowest = 10
	penaltyInactiveNode       = 30
	penaltyLowNodeScore       = 20
)

// criticalCapabilities turn a missing capability into a hard error.
var criticalCapabilities = map[core.Capability]bool{
	core.CapJSONMode:        true,
	core.CapFunctionCalling: true,
}

// forbiddenLimits lists generation limits a tier may not run.
var forbiddenLimits = map[core.Tier][]core.GenerationLimit{
	core.TierLowest: {core.LimitAutoEvolve},
}

// Result is the outcome of one packet/node alignment check.
type Result struct {
	NodeID     string   `json:"node_id"`
	Score      int      `json:"alignment_score"`
	Warnings   []string `json:"warnings"`
	Errors     []string `json:"errors"`
	Success    bool     `json:"success"`
	Authorized bool     `json:"authorized"`
	Action     Action   `json:"recommended_action"`
}

// VerifyAlignment checks node against packet. It only reads its inputs.
func VerifyAlignment(p *compiler.Packet, node registry.Node) Result {
	res := Result{
		NodeID:   node.ID,
		Warnings: []string{},
		Errors:   []string{},
	}
	score := maxScore

	score -= checkCapabilities(p, node, &res)
	score -= checkConstraints(p, node, &res)
	score -= checkGenerationLimit(p, node, &res)

	if node.Status != core.StatusActive {
		res.Errors = append(res.Errors, fmt.Sprintf("node status is %s", node.Status))
		score -= penaltyInactiveNode
	}
	if node.Score < lowNodeScore {
		res.Warnings = append(res.Warnings, fmt.Sprintf("node sovereignty score too low: %d", node.Score))
		score -= penaltyLowNodeScore
	}

	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}

	res.Score = score
	res.Success = len(res.Errors) == 0 && score >= SuccessThreshold
	// A hard error blocks authorization even when the score stays high.
	res.Authorized = res.Success && score >= AuthorizedThreshold
	switch {
	case !res.Authorized:
		res.Action = ActionBlock
	case len(res.Warnings) > 0:
		res.Action = ActionWarn
	default:
		res.Action = ActionProceed
	}

	slog.Debug("[Handshake] Alignment verified",
		"packet_id", p.ShortID(), "node_id", node.ID, "tier", node.Tier,
		"score", res.Score, "action", res.Action)
	return res
}

// RequiredCapabilities infers what a node must support to run p.
func RequiredCapabilities(p *compiler.Packet) []core.Capability {
	caps := []core.Capability{core.CapTextGeneration}
	payload := strings.ToLower(p.Payload())

	if p.RequiresStrictJSON() || strings.Contains(payload, "json") {
		caps = append(caps, core.CapJSONMode)
	}
	if strings.Contains(payload, "function") || strings.Contains(payload, "tool") {
		caps = append(caps, core.CapFunctionCalling)
	}
	if strings.Contains(payload, "image") || strings.Contains(payload, "vision") {
		caps = append(caps, core.CapVision)
	}
	if p.GenerationLimit() == core.LimitAutoEvolve {
		caps = append(caps, core.CapAutoEvolve)
	}
	return caps
}

// A missing critical capability costs the critical penalty alone; otherwise
// any missing capability costs the optional penalty once.
func checkCapabilities(p *compiler.Packet, node registry.Node, res *Result) int {
	var missing, critical []string
	for _, c := range RequiredCapabilities(p) {
		if node.HasCapability(c) {
			continue
		}
		missing = append(missing, string(c))
		if criticalCapabilities[c] {
			critical = append(critical, string(c))
		}
	}

	switch {
	case len(critical) > 0:
		res.Errors = append(res.Errors, "missing critical capabilities: "+strings.Join(critical, ", "))
		return penaltyCriticalCapability
	case len(missing) > 0:
		res.Warnings = append(res.Warnings, "missing optional capabilities: "+strings.Join(missing, ", "))
		return penaltyOptionalCapability
	}
	return 0
}

func checkConstraints(p *compiler.Packet, node registry.Node, res *Result) int {
	if node.Tier != core.TierLowest {
		return 0
	}
	for _, c := range p.Constraints() {
		if strings.Contains(c, "STRICT") || strings.Contains(c, "ZERO_PLACEHOLDER") {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s node may underperform on strict constraints", node.Tier))
			return penaltyStrictOnLowestTier
		}
	}
	return 0
}

func checkGenerationLimit(p *compiler.Packet, node registry.Node, res *Result) int {
	penalty := 0
	limit := p.GenerationLimit()

	for _, f := range forbiddenLimits[node.Tier] {
		if f == limit {
			res.Errors = append(res.Errors,
				fmt.Sprintf("generation limit %s is not allowed on %s nodes", limit, node.Tier))
			penalty += penaltyForbiddenLimit
			break
		}
	}
	if node.Tier == core.TierLowest && limit == core.LimitAutoEvolve {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%s node handling %s may drift from the intent", node.Tier, limit))
		penalty += penaltyPermissiveOnLowest
	}
	return penalty
}

// Ranked pairs a node with its handshake result.
type Ranked struct {
	Node   registry.Node `json:"node"`
	Result Result        `json:"result"`
}

// VerifyBatch runs VerifyAlignment for every node and ranks the results by
// score, highest first. Equal scores keep their input order.
func VerifyBatch(p *compiler.Packet, nodes []registry.Node) []Ranked {
	ranked := make([]Ranked, 0, len(nodes))
	for _, n := range nodes {
		ranked = append(ranked, Ranked{Node: n, Result: VerifyAlignment(p, n)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Result.Score > ranked[j].Result.Score
	})
	if len(ranked) > 0 {
		slog.Debug("[Handshake] Batch verified", "packet_id", p.ShortID(), "best", ranked[0].Node.ID)
	}
	return ranked
}
