// Package hitl implements human-in-the-loop approval tickets. A ticket is
// the durable stand-in for a blocked coroutine: waiting, timeout, and
// cancellation are all explicit state so they can be tested without real
// wall-clock waits.
package hitl

import (
	"errors"
	"fmt"
	"time"
)

// Status is the ticket lifecycle state. pending is the only non-terminal
// state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusPending }

// Approval names one required sign-off.
type Approval struct {
	Role   string `json:"role"`
	Reason string `json:"reason,omitempty"`
}

// Ticket is one approval request. Mutated only through Manager; resolution
// is a single atomic transition and repeated attempts are no-ops returning
// the first outcome.
type Ticket struct {
	ID                string     `json:"ticket_id"`
	AuditID           string     `json:"audit_id,omitempty"` // weak back-reference
	RequiredApprovals []Approval `json:"required_approvals"`
	Status            Status     `json:"status"`
	DecisionRationale string     `json:"decision_rationale,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// ErrNotFound is returned when a ticket id is unknown.
var ErrNotFound = errors.New("hitl: ticket not found")

// TTL bounds. Tickets default to 15 minutes and are clamped to at most 30.
const (
	DefaultTTL = 15 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = 30 * time.Minute
)

// ClampTTL applies the ticket TTL bounds.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	default:
		return ttl
	}
}

// ResolutionError reports an invalid resolution attempt, e.g. resolving to a
// non-terminal status.
type ResolutionError struct {
	TicketID string
	Reason   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("hitl: ticket %s: %s", e.TicketID, e.Reason)
}
