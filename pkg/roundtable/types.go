// Package roundtable fans a task out to a weighted roster of AI participants
// and reconciles their responses into a single decision under quorum and
// tie-break rules. Every session is policy-checked before dispatch and after
// aggregation, and the final result lands in the audit chain under the same
// audit id the pre-check established.
package roundtable

import (
	"fmt"
	"time"
)

// State is a session's position in its lifecycle.
type State string

const (
	StateCreated         State = "created"
	StateValidating      State = "validating"
	StateBlocked         State = "blocked"
	StatePendingApproval State = "pending_approval"
	StateDispatching     State = "dispatching"
	StateCollecting      State = "collecting"
	StateAggregating     State = "aggregating"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// VotingMode selects the aggregation rule.
type VotingMode string

const (
	VoteMajority VotingMode = "majority"
	VoteWeighted VotingMode = "weighted"
	VoteBorda    VotingMode = "borda"
)

// TieBreaker resolves ties in majority voting.
type TieBreaker string

const (
	TieByConfidence TieBreaker = "confidence"
	TieByChair      TieBreaker = "chair"
	TieByRandom     TieBreaker = "random"
)

// ConsensusStrength grades how decisive the winning vote was.
type ConsensusStrength string

const (
	ConsensusStrong ConsensusStrength = "strong"
	ConsensusWeak   ConsensusStrength = "weak"
	ConsensusNone   ConsensusStrength = "none"
)

// DefaultSiblingWeight is applied to synthesized same-provider participants.
const DefaultSiblingWeight = 0.6

// DefaultConsensusThreshold is the winning-share bar for strong consensus.
const DefaultConsensusThreshold = 0.67

// ProviderSpec names one provider/model family available to a session.
type ProviderSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Participant is one seat at the table. Siblings are synthesized seats that
// reuse an already-present provider at reduced weight; their presence caps
// consensus strength at weak.
type Participant struct {
	ID       string  `json:"id"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Weight   float64 `json:"weight"`
	Sibling  bool    `json:"sibling,omitempty"`
	Chair    bool    `json:"chair,omitempty"`
}

// Quorum sets the floor under which no decision is authoritative.
type Quorum struct {
	MinAgents          int     `json:"min_agents"`
	MinProviders       int     `json:"min_providers"`
	ConsensusThreshold float64 `json:"consensus_threshold"`
}

// Session describes one roundtable run.
type Session struct {
	ID           string         `json:"id"`
	Task         string         `json:"task"`
	ActorID      string         `json:"actor_id"`
	Jurisdiction string         `json:"jurisdiction,omitempty"`
	Providers    []ProviderSpec `json:"providers"`
	RosterSize   int            `json:"roster_size"`
	VotingMode   VotingMode     `json:"voting_mode"`
	TieBreaker   TieBreaker     `json:"tie_breaker,omitempty"`
	Quorum       Quorum         `json:"quorum"`

	// SiblingWeight overrides DefaultSiblingWeight when positive.
	SiblingWeight float64 `json:"sibling_weight,omitempty"`

	// Timeout is the session deadline; PerCallTimeout bounds each
	// participant invocation.
	Timeout        time.Duration `json:"timeout,omitempty"`
	PerCallTimeout time.Duration `json:"per_call_timeout,omitempty"`

	// TokenCount feeds the energy pre-check; zero estimates from the task.
	TokenCount int `json:"token_count,omitempty"`
}

// Response is what one participant returns for the task.
type Response struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Vote is one participant's recorded position.
type Vote struct {
	ParticipantID string  `json:"participant_id"`
	Response      string  `json:"response"`
	Confidence    float64 `json:"confidence"`
	WeightUsed    float64 `json:"weight_used"`
}

// Abstention records a participant that produced no vote. Abstentions are
// expected under partial failure and do not fail the session.
type Abstention struct {
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason"`
}

// Tally is the aggregate for one semantically distinct response.
type Tally struct {
	Response string  `json:"response"`
	Count    int     `json:"count"`
	Weight   float64 `json:"weight"`
	Points   float64 `json:"points,omitempty"`
}

// Result is the authoritative outcome of a completed session.
type Result struct {
	SessionID         string            `json:"session_id"`
	State             State             `json:"state"`
	Decision          string            `json:"decision,omitempty"`
	VoteTally         []Tally           `json:"vote_tally,omitempty"`
	ConsensusStrength ConsensusStrength `json:"consensus_strength,omitempty"`
	Votes             []Vote            `json:"votes,omitempty"`
	Abstentions       []Abstention      `json:"abstentions,omitempty"`
	DissentCount      int               `json:"dissent_count"`
	AuditID           string            `json:"audit_id,omitempty"`
	TicketID          string            `json:"ticket_id,omitempty"`
	CompletedAt       time.Time         `json:"completed_at,omitempty"`
}

// InsufficientQuorumError means too few agents or providers participated for
// any decision to be authoritative. The session fails cleanly; no partial
// decision is returned.
type InsufficientQuorumError struct {
	SessionID    string
	Agents       int
	Providers    int
	MinAgents    int
	MinProviders int
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("session %s: insufficient quorum: %d agents (min %d), %d providers (min %d)",
		e.SessionID, e.Agents, e.MinAgents, e.Providers, e.MinProviders)
}
