// Package core defines the vocabulary shared across the pipeline: tiers,
// providers, node kinds and statuses, zones and generation limits.
package core

import (
	"fmt"
	"strings"
)

// Tier is the ordered capability class of a backend node.
type Tier string

const (
	TierLowest  Tier = "v1.5"
	TierMid     Tier = "v2.0"
	TierHighest Tier = "vNext"
)

// Rank orders tiers: lowest < mid < highest. Unknown tiers rank below lowest.
func (t Tier) Rank() int {
	switch t {
	case TierLowest:
		return 1
	case TierMid:
		return 2
	case TierHighest:
		return 3
	default:
		return 0
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// ParseTier accepts the canonical tier names plus the aliases lowest/mid/highest.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v1.5", "lowest", "low":
		return TierLowest, nil
	case "v2.0", "mid", "medium":
		return TierMid, nil
	case "vnext", "highest", "high":
		return TierHighest, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Provider identifies the organisation behind a backend.
type Provider string

const (
	ProviderOpenAI    Provider = "OPENAI"
	ProviderAnthropic Provider = "ANTHROPIC"
	ProviderGoogle    Provider = "GOOGLE"
	ProviderArena     Provider = "ARENA"
	ProviderCustom    Provider = "CUSTOM"
)

// ParseProvider normalises a provider name. Unknown names map to CUSTOM.
func ParseProvider(s string) Provider {
	switch p := Provider(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderArena:
		return p
	default:
		return ProviderCustom
	}
}

// BackendKind distinguishes remote APIs from browser-automation backends.
type BackendKind string

const (
	KindAPI      BackendKind = "API"
	KindWebGhost BackendKind = "WEB_GHOST"
)

// Capability is a feature a node declares support for.
type Capability string

const (
	CapTextGeneration  Capability = "text_generation"
	CapJSONMode        Capability = "json_mode"
	CapFunctionCalling Capability = "function_calling"
	CapVision          Capability = "vision"
	CapAutoEvolve      Capability = "auto_evolve"
)

// GenerationLimit tags how much freedom a backend has when producing output.
type GenerationLimit string

const (
	LimitStrictContext GenerationLimit = "STRICT_CONTEXT"
	LimitAutoEvolve    GenerationLimit = "AUTO_EVOLVE"
)

// Zone is the deployment context of a materialized result.
type Zone string

const (
	ZoneStaging    Zone = "STAGING"
	ZoneProduction Zone = "PRODUCTION"
)

// ParseZone maps an empty or unknown zone to staging.
func ParseZone(s string) Zone {
	if strings.EqualFold(strings.TrimSpace(s), string(ZoneProduction)) {
		return ZoneProduction
	}
	return ZoneStaging
}

// NodeStatus is the liveness state of a registered node.
type NodeStatus string

const (
	StatusActive  NodeStatus = "active"
	StatusDormant NodeStatus = "dormant"
	StatusOffline NodeStatus = "offline"
)

// ParseNodeStatus validates a status string.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch st := NodeStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusDormant, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("unknown node status %q", s)
}

// Message is a single chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
