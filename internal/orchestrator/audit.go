package orchestrator

import (
	"log/slog"
	"strings"

	"github.com/ocx/dccp/internal/adapter"
	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/security"
)

const (
	auditPassScore = 70

	penaltyPlaceholder = 30
	penaltyNotJSON     = 40
	penaltyStrictJSON  = 25
)

var placeholderMarkers = []string{"TEMPLATE", "TODO", "PLACEHOLDER"}

// Structural deviations.
const (
	DeviationPlaceholder = "output contains placeholder markers"
	DeviationNotJSON     = "output is not valid JSON"
	DeviationStrictJSON  = "violates " + compiler.ConstraintStrictJSON + " constraint"
)

// audit checks a recovered result for structural deviations and runs the
// security scan over its serialized form. The report passes only when both
// checks pass; its score is the lower of the two.
func (o *Orchestrator) audit(p *compiler.Packet, r *adapter.Result) AuditReport {
	serialized := r.Serialize()
	deviations := []string{}
	score := 100

	for _, m := range placeholderMarkers {
		if strings.Contains(serialized, m) {
			deviations = append(deviations, DeviationPlaceholder)
			score -= penaltyPlaceholder
			break
		}
	}
	if r.Strategy == adapter.StrategyText {
		deviations = append(deviations, DeviationNotJSON)
		score -= penaltyNotJSON
	}
	if p.RequiresStrictJSON() && (r.Strategy == adapter.StrategyText || !r.Structured()) {
		deviations = append(deviations, DeviationStrictJSON)
		score -= penaltyStrictJSON
	}
	passed := len(deviations) == 0 && score >= auditPassScore

	sec := o.deps.Auditor.Audit(serialized)
	if !sec.Passed {
		deviations = append(deviations, sec.Violations...)
		score = min(score, sec.RiskScore)
		slog.Error("[Orchestrator] Security audit failed",
			"packet_id", p.ShortID(), "threat_level", sec.ThreatLevel, "violations", sec.Violations)
	} else if sec.ThreatLevel != security.ThreatNone {
		slog.Warn("[Orchestrator] Low risk patterns in output",
			"packet_id", p.ShortID(), "threat_level", sec.ThreatLevel)
	}

	report := AuditReport{
		Passed:           passed && sec.Passed,
		Deviations:       deviations,
		SovereigntyScore: score,
		Security:         &sec,
	}
	slog.Info("[Orchestrator] Audit complete",
		"packet_id", p.ShortID(), "passed", report.Passed, "score", report.SovereigntyScore)
	return report
}
