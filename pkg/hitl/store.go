package hitl

import (
	"context"
	"sync"
	"time"
)

// Store persists tickets. Resolve and Expire must be atomic conditional
// transitions: they apply only when the ticket is still pending and return
// the resulting ticket either way, which is what makes Manager resolution
// idempotent.
type Store interface {
	Put(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)

	// Resolve transitions id from pending to the given terminal status. If
	// the ticket already left pending, the stored ticket is returned
	// unchanged with applied=false.
	Resolve(ctx context.Context, id string, to Status, rationale, by string, at time.Time) (t *Ticket, applied bool, err error)

	// Expire transitions id from pending to expired if its deadline passed.
	Expire(ctx context.Context, id string, at time.Time) (*Ticket, error)

	ListPending(ctx context.Context) ([]*Ticket, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*Ticket)}
}

func (s *MemoryStore) Put(_ context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, to Status, rationale, by string, at time.Time) (*Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.Status != StatusPending {
		cp := *t
		return &cp, false, nil
	}
	t.Status = to
	t.DecisionRationale = rationale
	t.ResolvedBy = by
	resolved := at
	t.ResolvedAt = &resolved
	cp := *t
	return &cp, true, nil
}

func (s *MemoryStore) Expire(_ context.Context, id string, at time.Time) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status == StatusPending && !at.Before(t.ExpiresAt) {
		t.Status = StatusExpired
		expired := at
		t.ResolvedAt = &expired
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Ticket
	for _, t := range s.tickets {
		if t.Status == StatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
