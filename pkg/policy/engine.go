package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
	"github.com/roundtable-labs/roundtable/core/pkg/costmodel"
	"github.com/roundtable-labs/roundtable/core/pkg/hitl"
	"github.com/roundtable-labs/roundtable/core/pkg/manifest"
)

// AuditLogger is the slice of the audit chain the engine needs.
type AuditLogger interface {
	Append(ctx context.Context, e audit.Entry) (string, error)
}

// TicketIssuer creates HITL tickets for requires_approval outcomes.
type TicketIssuer interface {
	Create(ctx context.Context, auditID string, approvals []hitl.Approval, ttl time.Duration) (*hitl.Ticket, error)
}

// Engine evaluates actions against the manifest's laws in conflict-resolution
// order. The manifest is read-only after load and safely shared across
// concurrent validations.
type Engine struct {
	manifest *manifest.LawManifest
	laws     map[string]Law
	auditor  AuditLogger
	tickets  TicketIssuer
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTicketIssuer wires HITL ticket creation.
func WithTicketIssuer(t TicketIssuer) EngineOption {
	return func(e *Engine) { e.tickets = t }
}

// withSleep overrides the graduated-backoff sleep for tests.
func withSleep(f func(context.Context, time.Duration)) EngineOption {
	return func(e *Engine) { e.sleep = f }
}

// NewEngine compiles every declared law. The law kind comes from
// predicate_config.kind: audit, jurisdiction, fairness, energy, or cel.
func NewEngine(m *manifest.LawManifest, table *costmodel.Table, auditor AuditLogger, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		manifest: m,
		laws:     make(map[string]Law, len(m.Laws)),
		auditor:  auditor,
		logger:   slog.Default(),
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	var celEnv *cel.Env
	for _, decl := range m.Laws {
		kind, _ := decl.PredicateConfig["kind"].(string)
		switch kind {
		case "audit":
			e.laws[decl.ID] = &auditLaw{id: decl.ID, hasAuditor: func() bool { return e.auditor != nil }}
		case "jurisdiction":
			e.laws[decl.ID] = &jurisdictionLaw{id: decl.ID, level: decl.EnforcementLevel, rules: m.Jurisdiction}
		case "fairness":
			e.laws[decl.ID] = &fairnessLaw{id: decl.ID, level: decl.EnforcementLevel, rules: m.Fairness}
		case "energy":
			if table == nil {
				return nil, fmt.Errorf("policy: law %s requires a cost model table", decl.ID)
			}
			e.laws[decl.ID] = &energyLaw{id: decl.ID, level: decl.EnforcementLevel, rules: m.Energy, table: table}
		case "cel":
			if celEnv == nil {
				env, err := newCELEnv()
				if err != nil {
					return nil, fmt.Errorf("policy: cel env: %w", err)
				}
				celEnv = env
			}
			law, err := newCELLaw(decl, celEnv)
			if err != nil {
				return nil, err
			}
			e.laws[decl.ID] = law
		default:
			return nil, fmt.Errorf("policy: law %s has unknown kind %q", decl.ID, kind)
		}
	}
	return e, nil
}

// Validate runs every law strictly in conflict_resolution order, accumulates
// findings, writes the audit record, and issues a HITL ticket when human
// approval is required.
//
// Returned error values are control-flow signals:
//   - *PolicyViolationError for blocked
//   - *EnergyBudgetExceededError for blocked under strict energy enforcement
//   - *ApprovalRequiredError for requires_approval
//
// The ValidationResult is populated in every case.
func (e *Engine) Validate(ctx context.Context, actx *ActionContext) (*ValidationResult, error) {
	result := &ValidationResult{Status: StatusApproved}

	var delay time.Duration
	var strictEnergyBlock bool

	for _, lawID := range e.manifest.ConflictResolution {
		decl, _ := e.manifest.LawByID(lawID)

		var finding Finding
		if law := e.laws[lawID]; law != nil {
			finding = safeEvaluate(law, actx)
		} else {
			finding = violate(lawID, string(manifest.EnforcementCritical), "law not compiled", "")
		}

		if finding.FairnessScore != nil {
			result.FairnessScore = *finding.FairnessScore
		}
		if finding.Energy != nil {
			result.Energy = finding.Energy
		}
		if finding.Delay > delay {
			delay = finding.Delay
		}

		switch finding.Outcome {
		case OutcomePass:
			// nothing to record

		case OutcomeNeedsApproval:
			if finding.Approval != nil {
				result.RequiredApprovals = append(result.RequiredApprovals, *finding.Approval)
			}
			if result.Status != StatusBlocked {
				result.Status = StatusRequiresApproval
			}

		case OutcomeViolate:
			if finding.Violation != nil {
				result.Violations = append(result.Violations, *finding.Violation)
			}
			critical := decl.EnforcementLevel == manifest.EnforcementCritical || finding.ForceBlock
			switch {
			case critical:
				result.Status = StatusBlocked
				strictEnergyBlock = finding.ForceBlock && finding.Energy != nil
			case decl.EnforcementLevel == manifest.EnforcementAdvisory:
				// recorded, no status change
			default:
				if result.Status != StatusBlocked {
					result.Status = StatusRequiresApproval
					result.RequiredApprovals = append(result.RequiredApprovals, ApprovalRequirement{
						LawID:  lawID,
						Role:   "operator",
						Reason: finding.Violation.Message,
					})
				}
			}
			if result.Status == StatusBlocked {
				// First critical violation short-circuits; later laws never
				// see the action.
				return e.finish(ctx, actx, result, delay, strictEnergyBlock)
			}
		}
	}

	return e.finish(ctx, actx, result, delay, strictEnergyBlock)
}

func (e *Engine) finish(ctx context.Context, actx *ActionContext, result *ValidationResult, delay time.Duration, strictEnergy bool) (*ValidationResult, error) {
	if delay > 0 && result.Status == StatusApproved {
		e.logger.Warn("energy backoff applied", "actor", actx.ActorID, "delay", delay)
		e.sleep(ctx, delay)
	}

	// Unconditional audit write: every call to Validate ends here, blocked
	// or not.
	auditID, err := e.auditor.Append(ctx, audit.Entry{
		AuditID:          actx.AuditID,
		ActorID:          actx.ActorID,
		ActionType:       actx.ActionType,
		ValidationResult: result.auditView(),
		Payload:          actx.Payload,
	})
	if err != nil {
		return result, err
	}
	result.AuditID = auditID
	actx.AuditID = auditID

	switch result.Status {
	case StatusBlocked:
		e.logger.Info("action blocked", "actor", actx.ActorID, "action", actx.ActionType, "audit_id", auditID)
		if strictEnergy {
			return result, &EnergyBudgetExceededError{Report: result.Energy}
		}
		return result, &PolicyViolationError{Result: result}

	case StatusRequiresApproval:
		if e.tickets != nil {
			approvals := make([]hitl.Approval, 0, len(result.RequiredApprovals))
			for _, a := range result.RequiredApprovals {
				approvals = append(approvals, hitl.Approval{Role: a.Role, Reason: a.Reason})
			}
			ticket, terr := e.tickets.Create(ctx, auditID, approvals, 0)
			if terr != nil {
				return result, terr
			}
			result.TicketID = ticket.ID
		}
		e.logger.Info("action requires approval", "actor", actx.ActorID, "ticket", result.TicketID, "audit_id", auditID)
		return result, &ApprovalRequiredError{Result: result, TicketID: result.TicketID}
	}

	return result, nil
}

// safeEvaluate treats a panicking law predicate exactly like one that
// returned violate: fail closed, never silently skip.
func safeEvaluate(law Law, actx *ActionContext) (f Finding) {
	defer func() {
		if r := recover(); r != nil {
			f = violate(law.ID(), string(manifest.EnforcementCritical),
				fmt.Sprintf("law predicate panicked: %v", r), "")
		}
	}()
	return law.Evaluate(actx)
}
