// Package security scans produced content for destructive or obfuscated
// code before it is allowed anywhere near the filesystem.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// ThreatLevel bands an audit score.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "NONE"
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

const (
	// PassThreshold is the minimum score for content to pass.
	PassThreshold = 70

	blacklistPenalty = 31
	heuristicPenalty = 60
	payloadPenalty   = 15

	// more than this many long base64-shaped tokens suggests a hidden payload
	maxEncodedTokens = 3
)

var encodedToken = regexp.MustCompile(`[A-Za-z0-9+/=]{40,}`)

// Result is the outcome of a security scan.
type Result struct {
	Passed      bool        `json:"passed"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Violations  []string    `json:"violations"`
	RiskScore   int         `json:"risk_score"`
	Entropy     float64     `json:"entropy"`
}

// Auditor is a static content scanner. It is safe for concurrent use.
type Auditor struct {
	blacklist  []string
	heuristics []compiledPattern
}

// NewAuditor builds an auditor from rules.
func NewAuditor(rules Rules) (*Auditor, error) {
	heuristics, err := rules.compile()
	if err != nil {
		return nil, err
	}
	return &Auditor{
		blacklist:  append([]string(nil), rules.Blacklist...),
		heuristics: heuristics,
	}, nil
}

// NewDefaultAuditor builds an auditor with the built-in rules.
func NewDefaultAuditor() *Auditor {
	a, err := NewAuditor(DefaultRules())
	if err != nil {
		panic(err) // built-in patterns are known to compile
	}
	return a
}

// Audit scans content. Score starts at 100 and every hit deducts; the
// reported score is floored at zero but the threat band uses the raw value.
func (a *Auditor) Audit(content string) Result {
	violations := []string{}
	score := 100

	for _, poison := range a.blacklist {
		if strings.Contains(content, poison) {
			violations = append(violations, fmt.Sprintf("restricted call [%s]", poison))
			score -= blacklistPenalty
		}
	}

	for _, h := range a.heuristics {
		if h.re.MatchString(content) {
			violations = append(violations, "heuristic: "+h.name)
			score -= heuristicPenalty
		}
	}

	if len(encodedToken.FindAllStringIndex(content, -1)) > maxEncodedTokens {
		violations = append(violations, "suspected hidden encoded payload")
		score -= payloadPenalty
	}

	risk := score
	if risk < 0 {
		risk = 0
	}
	return Result{
		Passed:      score >= PassThreshold,
		ThreatLevel: threatLevel(score),
		Violations:  violations,
		RiskScore:   risk,
		Entropy:     CalculateShannonEntropy(content),
	}
}

func threatLevel(score int) ThreatLevel {
	switch {
	case score < 30:
		return ThreatCritical
	case score < 50:
		return ThreatHigh
	case score < 75:
		return ThreatMedium
	case score < 100:
		return ThreatLow
	default:
		return ThreatNone
	}
}
