package roundtable

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
	"github.com/roundtable-labs/roundtable/core/pkg/hitl"
	"github.com/roundtable-labs/roundtable/core/pkg/policy"
)

// Validator is the policy surface the engine needs.
type Validator interface {
	Validate(ctx context.Context, actx *policy.ActionContext) (*policy.ValidationResult, error)
}

// TicketWaiter blocks on a HITL ticket until it resolves or expires.
type TicketWaiter interface {
	Await(ctx context.Context, ticketID string) (*hitl.Ticket, error)
}

// AuditLogger is the slice of the audit chain the engine needs.
type AuditLogger interface {
	Append(ctx context.Context, e audit.Entry) (string, error)
}

// Engine runs roundtable sessions end to end.
type Engine struct {
	policy  Validator
	invoker Invoker
	auditor AuditLogger
	waiter  TicketWaiter
	logger  *slog.Logger
	limiter *rate.Limiter
	clock   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTicketWaiter enables blocking on approval tickets instead of failing
// immediately on requires_approval.
func WithTicketWaiter(w TicketWaiter) Option {
	return func(e *Engine) { e.waiter = w }
}

// WithRateLimit bounds the aggregate participant-call rate across a session.
func WithRateLimit(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine wires a consensus engine over a policy validator, a participant
// invoker, and an audit sink.
func NewEngine(p Validator, inv Invoker, auditor AuditLogger, opts ...Option) *Engine {
	e := &Engine{
		policy:  p,
		invoker: inv,
		auditor: auditor,
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one session: roster build, policy pre-check, concurrent
// dispatch, quorum check, aggregation, policy post-check on the winner, and
// the final audit record. The audit id assigned by the pre-check threads
// through every later record of the session.
//
// A blocked pre-check returns a Failed result together with the policy error.
// Insufficient participation returns *InsufficientQuorumError; no partial
// decision is ever returned as authoritative.
func (e *Engine) Execute(ctx context.Context, s *Session) (*Result, error) {
	result := &Result{SessionID: s.ID, State: StateCreated}

	roster, err := BuildRoster(s)
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	if len(roster) < s.Quorum.MinAgents {
		result.State = StateFailed
		return result, &InsufficientQuorumError{
			SessionID: s.ID,
			Agents:    len(roster), Providers: countProviders(roster),
			MinAgents: s.Quorum.MinAgents, MinProviders: s.Quorum.MinProviders,
		}
	}

	// Pre-check. The audit id minted here identifies the whole session in
	// the chain.
	result.State = StateValidating
	actx := e.actionContext(s, "roundtable.dispatch", s.Task)
	vres, err := e.policy.Validate(ctx, actx)
	if vres != nil {
		result.AuditID = vres.AuditID
		result.TicketID = vres.TicketID
	}
	if err != nil {
		var approval *policy.ApprovalRequiredError
		if errors.As(err, &approval) {
			result.State = StatePendingApproval
			if e.waiter == nil {
				return result, err
			}
			ticket, werr := e.waiter.Await(ctx, approval.TicketID)
			if werr != nil {
				result.State = StateFailed
				return result, werr
			}
			if ticket.Status != hitl.StatusApproved {
				result.State = StateFailed
				e.logger.Info("session denied by reviewer", "session", s.ID, "ticket", ticket.ID, "status", ticket.Status)
				return result, err
			}
		} else {
			result.State = StateBlocked
			return result, err
		}
	}

	result.State = StateDispatching
	d := &dispatcher{invoker: e.invoker, limiter: e.limiter, logger: e.logger}
	votes, abstentions := d.dispatch(ctx, s, roster)

	result.State = StateCollecting
	result.Votes = votes
	result.Abstentions = abstentions

	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.ParticipantID] = true
	}
	providers := distinctProviders(roster, voted)
	// Sibling seats exist precisely because the session could not field
	// enough distinct providers; each voting sibling stands in for a missing
	// family, and aggregation already caps the outcome at weak.
	if hasSiblings(roster) {
		for _, p := range roster {
			if p.Sibling && voted[p.ID] {
				providers++
			}
		}
	}
	if len(votes) < s.Quorum.MinAgents || providers < s.Quorum.MinProviders {
		result.State = StateFailed
		return result, &InsufficientQuorumError{
			SessionID: s.ID,
			Agents:    len(votes), Providers: providers,
			MinAgents: s.Quorum.MinAgents, MinProviders: s.Quorum.MinProviders,
		}
	}

	result.State = StateAggregating
	agg := aggregate(s, votes, roster)
	result.Decision = agg.decision
	result.VoteTally = agg.tally
	result.ConsensusStrength = agg.strength
	result.DissentCount = agg.dissent

	// Post-check runs fairness and energy over the winning response under
	// the same audit id.
	post := e.actionContext(s, "roundtable.complete", result.Decision)
	post.AuditID = result.AuditID
	if _, err := e.policy.Validate(ctx, post); err != nil {
		result.State = StateFailed
		return result, err
	}

	result.State = StateCompleted
	result.CompletedAt = e.clock().UTC()

	if _, err := e.auditor.Append(ctx, audit.Entry{
		AuditID:    result.AuditID,
		ActorID:    actx.ActorID,
		ActionType: "roundtable.result",
		ValidationResult: map[string]any{
			"decision":           result.Decision,
			"consensus_strength": string(result.ConsensusStrength),
			"dissent_count":      result.DissentCount,
			"vote_count":         len(result.Votes),
			"abstentions":        len(result.Abstentions),
		},
		Payload: result.Decision,
	}); err != nil {
		return result, err
	}

	e.logger.Info("session completed",
		"session", s.ID, "decision_strength", result.ConsensusStrength,
		"votes", len(votes), "abstentions", len(abstentions), "audit_id", result.AuditID)
	return result, nil
}

func (e *Engine) actionContext(s *Session, action, payload string) *policy.ActionContext {
	tokens := s.TokenCount
	if tokens == 0 {
		// Rough per-call estimate from the task text.
		tokens = len(s.Task)/4 + 1
	}
	model := ""
	if len(s.Providers) > 0 {
		model = s.Providers[0].Model
	}
	return &policy.ActionContext{
		ActorID:      s.ActorID,
		ActionType:   action,
		Jurisdiction: s.Jurisdiction,
		Payload:      payload,
		Model:        model,
		TokenCount:   tokens,
		CreatedAt:    e.clock().UTC(),
	}
}

func countProviders(roster []Participant) int {
	seen := make(map[string]bool)
	for _, p := range roster {
		seen[p.Provider] = true
	}
	return len(seen)
}
