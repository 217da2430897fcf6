package policy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/roundtable-labs/roundtable/core/pkg/costmodel"
	"github.com/roundtable-labs/roundtable/core/pkg/manifest"
)

// Outcome is a single law's verdict on an action.
type Outcome int

const (
	OutcomePass Outcome = iota
	OutcomeViolate
	OutcomeNeedsApproval
)

// Finding is the full result of evaluating one law. Laws are pure functions
// over an immutable context; everything they want to say comes back in the
// finding.
type Finding struct {
	Outcome   Outcome
	Violation *LawViolation
	Approval  *ApprovalRequirement

	// Energy and FairnessScore feed the validation result when the
	// corresponding law ran.
	Energy        *EnergyReport
	FairnessScore *float64

	// Delay asks the engine for a synthetic backoff before proceeding
	// (graduated energy enforcement).
	Delay time.Duration

	// ForceBlock short-circuits like a critical violation regardless of the
	// law's declared enforcement level (strict energy enforcement).
	ForceBlock bool
}

// Law is one compiled governance rule.
type Law interface {
	ID() string
	Evaluate(actx *ActionContext) Finding
}

func pass() Finding { return Finding{Outcome: OutcomePass} }

func violate(lawID, level, msg, mitigation string) Finding {
	return Finding{
		Outcome:   OutcomeViolate,
		Violation: &LawViolation{LawID: lawID, Level: level, Message: msg, Mitigation: mitigation},
	}
}

// --- Audit law ---

// auditLaw asserts that an audit sink is attached. The unconditional write
// itself is the engine's final step; this law makes a missing sink a
// violation instead of a silent gap.
type auditLaw struct {
	id         string
	hasAuditor func() bool
}

func (l *auditLaw) ID() string { return l.id }

func (l *auditLaw) Evaluate(_ *ActionContext) Finding {
	if !l.hasAuditor() {
		return violate(l.id, string(manifest.EnforcementCritical), "no audit sink attached", "")
	}
	return pass()
}

// --- Jurisdiction law ---

type jurisdictionLaw struct {
	id    string
	level manifest.EnforcementLevel
	rules manifest.JurisdictionRules
}

func (l *jurisdictionLaw) ID() string { return l.id }

func (l *jurisdictionLaw) Evaluate(actx *ActionContext) Finding {
	if actx.Jurisdiction == "" {
		return violate(l.id, string(l.level), "action carries no jurisdiction", "")
	}
	allowed := false
	for _, region := range l.rules.AllowedRegions {
		if region == actx.Jurisdiction {
			allowed = true
			break
		}
	}
	if !allowed {
		return violate(l.id, string(l.level),
			fmt.Sprintf("jurisdiction %q is not in the allowed set", actx.Jurisdiction), "")
	}
	for _, class := range l.rules.RestrictedClassifications[actx.Jurisdiction] {
		if class == actx.DataClassification {
			return violate(l.id, string(l.level),
				fmt.Sprintf("data class %q must not be processed in %q", class, actx.Jurisdiction), "")
		}
	}
	return pass()
}

// --- Fairness law ---

type fairnessLaw struct {
	id    string
	level manifest.EnforcementLevel
	rules manifest.FairnessRules
}

func (l *fairnessLaw) ID() string { return l.id }

// Evaluate scores outcome disparity across demographic groups. The score is
// the worse of the Gini coefficient and the disparity-ratio deviation; above
// the threshold it is a violation with the configured mitigation attached
// for the caller to apply.
func (l *fairnessLaw) Evaluate(actx *ActionContext) Finding {
	if len(actx.GroupOutcomes) < 2 {
		score := 0.0
		f := pass()
		f.FairnessScore = &score
		return f
	}

	rates := make([]float64, 0, len(actx.GroupOutcomes))
	for _, r := range actx.GroupOutcomes {
		rates = append(rates, r)
	}

	score := math.Max(gini(rates), disparity(rates))

	threshold := l.rules.Threshold
	if threshold <= 0 {
		threshold = 0.2
	}
	mitigation := l.rules.Mitigation
	if mitigation == "" {
		mitigation = "human_review"
	}

	if score > threshold {
		f := violate(l.id, string(l.level),
			fmt.Sprintf("disparity score %.4f exceeds threshold %.4f", score, threshold), mitigation)
		f.FairnessScore = &score
		return f
	}
	f := pass()
	f.FairnessScore = &score
	return f
}

// gini computes the Gini coefficient of a rate distribution; 0 is perfect
// equality.
func gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	var cumulative, weighted float64
	for i, v := range sorted {
		cumulative += v
		weighted += float64(i+1) * v
	}
	if cumulative == 0 {
		return 0
	}
	return (2*weighted)/(float64(n)*cumulative) - float64(n+1)/float64(n)
}

// disparity is 1 - min/max: 0 when all groups see the same rate, approaching
// 1 as the worst-served group's rate vanishes.
func disparity(values []float64) float64 {
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	if maxV == 0 {
		return 0
	}
	return 1 - minV/maxV
}

// --- Energy law ---

type energyLaw struct {
	id    string
	level manifest.EnforcementLevel
	rules manifest.EnergyRules
	table *costmodel.Table
}

func (l *energyLaw) ID() string { return l.id }

func (l *energyLaw) Evaluate(actx *ActionContext) Finding {
	estimate := l.table.EstimateKWh(actx.Model, actx.TokenCount)
	report := &EnergyReport{
		EstimateKWh: estimate,
		BudgetKWh:   l.rules.BudgetKWh,
		Utilization: estimate / l.rules.BudgetKWh,
	}

	switch l.rules.Enforcement {
	case manifest.EnergyMonitor:
		report.Decision = EnergyMonitorOnly
		f := pass()
		f.Energy = report
		return f

	case manifest.EnergyStrict:
		if report.Utilization >= 1.0 {
			report.Decision = EnergyBlock
			f := violate(l.id, string(l.level),
				fmt.Sprintf("energy utilization %.2f at or above budget, strict mode", report.Utilization), "")
			f.Energy = report
			f.ForceBlock = true
			return f
		}
		report.Decision = EnergyAllow
		f := pass()
		f.Energy = report
		return f

	default: // graduated
		switch {
		case report.Utilization >= 1.0:
			report.Decision = EnergyBlock
			f := violate(l.id, string(l.level),
				fmt.Sprintf("energy utilization %.2f at or above budget, override required", report.Utilization), "")
			f.Energy = report
			return f
		case report.Utilization >= 0.9:
			report.Decision = EnergyDelay
			f := pass()
			f.Energy = report
			f.Delay = 500 * time.Millisecond
			return f
		case report.Utilization >= 0.8:
			report.Decision = EnergyWarn
			f := pass()
			f.Energy = report
			return f
		default:
			report.Decision = EnergyAllow
			f := pass()
			f.Energy = report
			return f
		}
	}
}
