// Package compiler turns raw intents into immutable work packets.
package compiler

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/ocx/dccp/internal/core"
)

// Output constraints attached to every packet, in this order.
const (
	ConstraintPhysicalHook    = "1.5S_PHYSICAL_HOOK"
	ConstraintZeroPlaceholder = "ZERO_PLACEHOLDER_POLICY"
	ConstraintStrictJSON      = "STRICT_JSON_OUTPUT"
)

var defaultConstraints = []string{
	ConstraintPhysicalHook,
	ConstraintZeroPlaceholder,
	ConstraintStrictJSON,
}

// fingerprintLen is the number of hex characters kept from the intent digest.
const fingerprintLen = 16

// ErrEmptyIntent is returned when the intent is blank.
var ErrEmptyIntent = errors.New("intent is empty")

// Packet is a compiled work item. Fields are unexported so a packet cannot
// change after Compile returns; accessors hand out copies.
type Packet struct {
	id              string
	timestamp       time.Time
	fingerprint     string
	payload         string
	constraints     []string
	generationLimit core.GenerationLimit
	targetPath      string
	zone            core.Zone
}

// Compile wraps rawIntent in the directive template and stamps it with a
// fresh id. The generation limit is restrictive only for the lowest tier.
func Compile(rawIntent string, tier core.Tier, targetPath string, zone core.Zone) (*Packet, error) {
	if strings.TrimSpace(rawIntent) == "" {
		return nil, ErrEmptyIntent
	}
	if zone == "" {
		zone = core.ZoneStaging
	}

	limit := core.LimitAutoEvolve
	if tier == core.TierLowest {
		limit = core.LimitStrictContext
	}

	p := &Packet{
		id:              uuid.New().String(),
		timestamp:       time.Now(),
		fingerprint:     Fingerprint(rawIntent),
		payload:         directive(rawIntent),
		constraints:     append([]string(nil), defaultConstraints...),
		generationLimit: limit,
		targetPath:      targetPath,
		zone:            zone,
	}

	slog.Debug("[Compiler] Packet compiled",
		"packet_id", p.ShortID(), "tier", tier, "fingerprint", p.fingerprint, "limit", limit)
	return p, nil
}

// Fingerprint is a short digest of the raw intent text. Identical text always
// yields the identical fingerprint.
func Fingerprint(rawIntent string) string {
	sum := blake2b.Sum256([]byte(rawIntent))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func directive(intent string) string {
	var b strings.Builder
	b.WriteString("# DCCP PROTOCOL v1.0 - SOVEREIGN DIRECTIVE\n")
	fmt.Fprintf(&b, "[COMMAND_ID]: %s\n", uuid.New().String())
	b.WriteString("[EXECUTION_SCOPE]: INTERNAL_CORE\n\n")
	b.WriteString("# PRIMARY WILL\n")
	b.WriteString(intent)
	b.WriteString("\n\n# ARCHITECTURAL INJUNCTION\n")
	b.WriteString("1. You are a stateless computing node.\n")
	b.WriteString("2. Your output is a direct reflection of the requested intent.\n")
	b.WriteString("3. Violating the output constraints decommissions the node.\n")
	return b.String()
}

func (p *Packet) ID() string                            { return p.id }
func (p *Packet) Timestamp() time.Time                  { return p.timestamp }
func (p *Packet) Fingerprint() string                   { return p.fingerprint }
func (p *Packet) Payload() string                       { return p.payload }
func (p *Packet) GenerationLimit() core.GenerationLimit { return p.generationLimit }
func (p *Packet) TargetPath() string                    { return p.targetPath }
func (p *Packet) Zone() core.Zone                       { return p.zone }

// Constraints returns a copy of the ordered constraint list.
func (p *Packet) Constraints() []string {
	return append([]string(nil), p.constraints...)
}

// HasConstraint reports whether the named constraint is attached.
func (p *Packet) HasConstraint(name string) bool {
	for _, c := range p.constraints {
		if c == name {
			return true
		}
	}
	return false
}

// RequiresStrictJSON reports whether the result must be structured data.
func (p *Packet) RequiresStrictJSON() bool {
	return p.HasConstraint(ConstraintStrictJSON)
}

// ShortID is the first 8 characters of the id, for log lines.
func (p *Packet) ShortID() string {
	if len(p.id) < 8 {
		return p.id
	}
	return p.id[:8]
}

// Summary is the serializable view of a packet used in events and API responses.
type Summary struct {
	ID              string               `json:"id"`
	Timestamp       time.Time            `json:"timestamp"`
	Fingerprint     string               `json:"intent_fingerprint"`
	Payload         string               `json:"payload"`
	Constraints     []string             `json:"constraints"`
	GenerationLimit core.GenerationLimit `json:"generation_limit"`
	TargetPath      string               `json:"target_path,omitempty"`
	Zone            core.Zone            `json:"zone"`
}

// Summary snapshots the packet.
func (p *Packet) Summary() Summary {
	return Summary{
		ID:              p.id,
		Timestamp:       p.timestamp,
		Fingerprint:     p.fingerprint,
		Payload:         p.payload,
		Constraints:     p.Constraints(),
		GenerationLimit: p.generationLimit,
		TargetPath:      p.targetPath,
		Zone:            p.zone,
	}
}
