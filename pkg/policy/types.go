// Package policy evaluates actions against the ordered law set of a signed
// manifest. Law evaluation is pure and side-effect free; the single audit
// write happens as a separate final step, and it happens unconditionally:
// no action, blocked or allowed, escapes the log.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of one validation.
type Status string

const (
	StatusApproved         Status = "approved"
	StatusBlocked          Status = "blocked"
	StatusRequiresApproval Status = "requires_approval"
)

// ActionContext describes one governed action. Created at ingress, owned by
// the calling goroutine, and never mutated after creation except that the
// assigned audit id is written back once known.
type ActionContext struct {
	AuditID            string         `json:"audit_id,omitempty"`
	ActorID            string         `json:"actor_id"`
	ActionType         string         `json:"action_type"`
	Jurisdiction       string         `json:"jurisdiction,omitempty"`
	DataClassification string         `json:"data_classification,omitempty"`
	RiskLevel          string         `json:"risk_level,omitempty"`
	Payload            string         `json:"payload,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	Metadata           map[string]any `json:"metadata,omitempty"`

	// Model and TokenCount feed the energy law.
	Model      string `json:"model,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`

	// GroupOutcomes maps a demographic group to its favorable-outcome rate,
	// the input of the fairness law. Empty means no fairness evidence.
	GroupOutcomes map[string]float64 `json:"group_outcomes,omitempty"`
}

// LawViolation is one accumulated rule failure.
type LawViolation struct {
	LawID      string `json:"law_id"`
	Level      string `json:"enforcement_level"`
	Message    string `json:"message"`
	Mitigation string `json:"mitigation,omitempty"`
}

// ApprovalRequirement names a human sign-off the action needs before it may
// proceed.
type ApprovalRequirement struct {
	LawID  string `json:"law_id"`
	Role   string `json:"role"`
	Reason string `json:"reason,omitempty"`
}

// EnergyDecision is the energy law's verdict.
type EnergyDecision string

const (
	EnergyAllow       EnergyDecision = "allow"
	EnergyMonitorOnly EnergyDecision = "monitor"
	EnergyWarn        EnergyDecision = "warn"
	EnergyDelay       EnergyDecision = "delay"
	EnergyBlock       EnergyDecision = "block"
)

// EnergyReport carries the energy-budget numbers for the audit record.
type EnergyReport struct {
	EstimateKWh float64        `json:"estimate_kwh"`
	BudgetKWh   float64        `json:"budget_kwh"`
	Utilization float64        `json:"utilization"`
	Decision    EnergyDecision `json:"decision"`
}

// ValidationResult is the transient outcome of one Validate call. It is not
// persisted directly; a redacted view is embedded into the audit record.
type ValidationResult struct {
	Status            Status                `json:"status"`
	Violations        []LawViolation        `json:"violations,omitempty"`
	RequiredApprovals []ApprovalRequirement `json:"required_approvals,omitempty"`
	FairnessScore     float64               `json:"fairness_score"`
	Energy            *EnergyReport         `json:"energy,omitempty"`
	AuditID           string                `json:"audit_id,omitempty"`
	TicketID          string                `json:"ticket_id,omitempty"`
}

// auditView renders the result for embedding in the audit record.
func (r *ValidationResult) auditView() map[string]any {
	view := map[string]any{
		"status":         string(r.Status),
		"fairness_score": r.FairnessScore,
	}
	if len(r.Violations) > 0 {
		vs := make([]any, 0, len(r.Violations))
		for _, v := range r.Violations {
			vs = append(vs, map[string]any{
				"law_id":     v.LawID,
				"level":      v.Level,
				"message":    v.Message,
				"mitigation": v.Mitigation,
			})
		}
		view["violations"] = vs
	}
	if len(r.RequiredApprovals) > 0 {
		as := make([]any, 0, len(r.RequiredApprovals))
		for _, a := range r.RequiredApprovals {
			as = append(as, map[string]any{"law_id": a.LawID, "role": a.Role, "reason": a.Reason})
		}
		view["required_approvals"] = as
	}
	if r.Energy != nil {
		view["energy"] = map[string]any{
			"estimate_kwh": r.Energy.EstimateKWh,
			"budget_kwh":   r.Energy.BudgetKWh,
			"utilization":  r.Energy.Utilization,
			"decision":     string(r.Energy.Decision),
		}
	}
	if r.TicketID != "" {
		view["ticket_id"] = r.TicketID
	}
	return view
}

// PolicyViolationError surfaces a blocked action with its violation list.
type PolicyViolationError struct {
	Result *ValidationResult
}

func (e *PolicyViolationError) Error() string {
	msgs := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.LawID, v.Message))
	}
	return "action blocked: " + strings.Join(msgs, "; ")
}

// ApprovalRequiredError is a control-flow signal, not a failure: the caller
// must wait on the referenced ticket.
type ApprovalRequiredError struct {
	Result   *ValidationResult
	TicketID string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required: ticket %s", e.TicketID)
}

// EnergyBudgetExceededError is raised only under strict enforcement; in
// graduated mode the same condition yields a delay plus an override path.
type EnergyBudgetExceededError struct {
	Report *EnergyReport
}

func (e *EnergyBudgetExceededError) Error() string {
	return fmt.Sprintf("energy budget exceeded: estimate %.6f kWh against budget %.6f kWh (utilization %.2f)",
		e.Report.EstimateKWh, e.Report.BudgetKWh, e.Report.Utilization)
}
