package registry

import "github.com/ocx/dccp/internal/core"

const (
	baseScore         = 50
	midTierBonus      = 20
	highestTierBonus  = 35
	capabilityBonus   = 5
	browserKindBonus  = 10
	maxSovereignScore = 100
)

// scoredCapabilities each add capabilityBonus when declared.
var scoredCapabilities = []core.Capability{
	core.CapJSONMode,
	core.CapFunctionCalling,
	core.CapVision,
}

// sovereignThresholds is the minimum score a node needs to count as
// sovereign within its own tier.
var sovereignThresholds = map[core.Tier]int{
	core.TierLowest:  50,
	core.TierMid:     75,
	core.TierHighest: 90,
}

// SovereigntyScore computes the 0-100 eligibility score of a node
// configuration. It is evaluated once, at registration.
func SovereigntyScore(tier core.Tier, kind core.BackendKind, caps []core.Capability) int {
	score := baseScore

	switch tier {
	case core.TierMid:
		score += midTierBonus
	case core.TierHighest:
		score += highestTierBonus
	}

	for _, c := range scoredCapabilities {
		if containsCapability(caps, c) {
			score += capabilityBonus
		}
	}

	if kind == core.KindWebGhost {
		score += browserKindBonus
	}

	if score > maxSovereignScore {
		score = maxSovereignScore
	}
	return score
}

func containsCapability(caps []core.Capability, want core.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
