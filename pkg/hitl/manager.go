package hitl

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
)

// AuditLogger is the slice of the audit chain the manager needs: overrides
// and resolutions are audit events in their own right.
type AuditLogger interface {
	Append(ctx context.Context, e audit.Entry) (string, error)
}

// ApproverClaims is the JWT payload an approver presents with an emergency
// override. The token proves who approved; the rationale says why.
type ApproverClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Manager handles the ticket lifecycle.
type Manager struct {
	store        Store
	auditor      AuditLogger
	logger       *slog.Logger
	clock        func() time.Time
	assertionKey crypto.PublicKey // verifies approver JWTs; nil disables Override
	pollEvery    time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithAuditor wires resolution events into the audit chain.
func WithAuditor(a AuditLogger) ManagerOption {
	return func(m *Manager) { m.auditor = a }
}

// WithAssertionKey sets the public key that approver JWT assertions must
// verify against. Without it, Override is refused.
func WithAssertionKey(pub crypto.PublicKey) ManagerOption {
	return func(m *Manager) { m.assertionKey = pub }
}

// WithPollInterval tunes how often Await re-reads the store.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pollEvery = d }
}

// NewManager creates a ticket manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		logger:    slog.Default(),
		clock:     time.Now,
		pollEvery: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a pending ticket with the given TTL (clamped; zero means the
// default).
func (m *Manager) Create(ctx context.Context, auditID string, approvals []Approval, ttl time.Duration) (*Ticket, error) {
	now := m.clock().UTC()
	t := &Ticket{
		ID:                uuid.New().String(),
		AuditID:           auditID,
		RequiredApprovals: approvals,
		Status:            StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ClampTTL(ttl)),
	}
	if err := m.store.Put(ctx, t); err != nil {
		return nil, err
	}
	m.logger.Info("hitl ticket created", "ticket", t.ID, "audit_id", auditID, "expires_at", t.ExpiresAt)
	return t, nil
}

// Get returns the ticket, lazily expiring it when its TTL has passed.
func (m *Manager) Get(ctx context.Context, id string) (*Ticket, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusPending && !m.clock().UTC().Before(t.ExpiresAt) {
		return m.store.Expire(ctx, id, m.clock().UTC())
	}
	return t, nil
}

// Resolve applies a terminal decision. A second resolution attempt is a
// no-op returning the first outcome unchanged.
func (m *Manager) Resolve(ctx context.Context, id string, to Status, rationale, by string) (*Ticket, error) {
	if !to.Terminal() || to == StatusExpired {
		return nil, &ResolutionError{TicketID: id, Reason: fmt.Sprintf("cannot resolve to %q", to)}
	}
	// Lazy expiry wins over late approvals.
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusExpired {
		return t, nil
	}

	t, applied, err := m.store.Resolve(ctx, id, to, rationale, by, m.clock().UTC())
	if err != nil {
		return nil, err
	}
	if applied {
		m.logger.Info("hitl ticket resolved", "ticket", id, "status", to, "by", by)
		m.auditResolution(ctx, t, "hitl.resolve")
	}
	return t, nil
}

// Override is the emergency path: it approves a pending ticket immediately,
// requires a rationale and a signed approver assertion, and is logged as a
// distinct audit event.
func (m *Manager) Override(ctx context.Context, id, rationale, assertion string) (*Ticket, error) {
	if rationale == "" {
		return nil, &ResolutionError{TicketID: id, Reason: "override requires a decision rationale"}
	}
	if m.assertionKey == nil {
		return nil, &ResolutionError{TicketID: id, Reason: "no assertion key configured, override unavailable"}
	}

	claims := &ApproverClaims{}
	tok, err := jwt.ParseWithClaims(assertion, claims, func(*jwt.Token) (any, error) {
		return m.assertionKey, nil
	}, jwt.WithValidMethods([]string{"RS256", "ES256"}))
	if err != nil {
		return nil, &ResolutionError{TicketID: id, Reason: fmt.Sprintf("approver assertion rejected: %v", err)}
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, &ResolutionError{TicketID: id, Reason: "approver assertion missing subject"}
	}

	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusExpired {
		return t, nil
	}

	t, applied, err := m.store.Resolve(ctx, id, StatusApproved, rationale, claims.Subject, m.clock().UTC())
	if err != nil {
		return nil, err
	}
	if applied {
		m.logger.Warn("hitl emergency override", "ticket", id, "by", claims.Subject)
		m.auditResolution(ctx, t, "hitl.override")
	}
	return t, nil
}

// Await blocks until the ticket reaches a terminal state, polling the store.
// Context cancellation aborts the wait; ticket expiry terminates it.
func (m *Manager) Await(ctx context.Context, id string) (*Ticket, error) {
	for {
		t, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// ListPending surfaces open tickets for operator tooling.
func (m *Manager) ListPending(ctx context.Context) ([]*Ticket, error) {
	return m.store.ListPending(ctx)
}

func (m *Manager) auditResolution(ctx context.Context, t *Ticket, action string) {
	if m.auditor == nil {
		return
	}
	if _, err := m.auditor.Append(ctx, audit.Entry{
		AuditID:    "", // resolution is its own audit event
		ActorID:    t.ResolvedBy,
		ActionType: action,
		ValidationResult: map[string]any{
			"ticket_id": t.ID,
			"audit_id":  t.AuditID,
			"status":    string(t.Status),
			"rationale": t.DecisionRationale,
		},
	}); err != nil {
		m.logger.Error("hitl resolution audit write failed", "ticket", t.ID, "err", err)
	}
}
