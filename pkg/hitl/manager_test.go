package hitl

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time                    { return c.now }
func (c *stepClock) Advance(d time.Duration) time.Time { c.now = c.now.Add(d); return c.now }

func TestManager_CreateAndResolve(t *testing.T) {
	clock := newStepClock()
	m := NewManager(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	ticket, err := m.Create(ctx, "aud-1", []Approval{{Role: "operator"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ticket.Status)
	assert.Equal(t, clock.Now().Add(DefaultTTL), ticket.ExpiresAt)

	resolved, err := m.Resolve(ctx, ticket.ID, StatusApproved, "looks safe", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestManager_IdempotentResolution(t *testing.T) {
	clock := newStepClock()
	m := NewManager(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	ticket, err := m.Create(ctx, "aud-1", nil, 0)
	require.NoError(t, err)

	first, err := m.Resolve(ctx, ticket.ID, StatusApproved, "ok", "alice")
	require.NoError(t, err)

	// Second resolution, even a contradictory one, is a no-op returning the
	// original decision.
	second, err := m.Resolve(ctx, ticket.ID, StatusRejected, "changed my mind", "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, second.Status)
	assert.Equal(t, first.ResolvedBy, second.ResolvedBy)
	assert.Equal(t, first.DecisionRationale, second.DecisionRationale)
}

func TestManager_TTLExpiry(t *testing.T) {
	clock := newStepClock()
	m := NewManager(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	ticket, err := m.Create(ctx, "aud-1", nil, 5*time.Minute)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	got, err := m.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	// A late approval does not resurrect an expired ticket.
	late, err := m.Resolve(ctx, ticket.ID, StatusApproved, "too late", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, late.Status)
}

func TestManager_TTLClamping(t *testing.T) {
	assert.Equal(t, DefaultTTL, ClampTTL(0))
	assert.Equal(t, MinTTL, ClampTTL(time.Second))
	assert.Equal(t, MaxTTL, ClampTTL(2*time.Hour))
	assert.Equal(t, 20*time.Minute, ClampTTL(20*time.Minute))
}

func TestManager_CannotResolveToPendingOrExpired(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithClock(newStepClock().Now))
	ctx := context.Background()
	ticket, err := m.Create(ctx, "aud-1", nil, 0)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, ticket.ID, StatusPending, "", "x")
	assert.Error(t, err)
	_, err = m.Resolve(ctx, ticket.ID, StatusExpired, "", "x")
	assert.Error(t, err)
}

func TestManager_Await(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	ticket, err := m.Create(ctx, "aud-1", nil, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Resolve(context.Background(), ticket.ID, StatusRejected, "no", "bob")
	}()

	got, err := m.Await(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestManager_AwaitCancellation(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithPollInterval(5*time.Millisecond))
	ticket, err := m.Create(context.Background(), "aud-1", nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err = m.Await(ctx, ticket.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func signAssertion(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	claims := &ApproverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "operator",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func TestManager_Override(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clock := newStepClock()
	m := NewManager(NewMemoryStore(), WithClock(clock.Now), WithAssertionKey(&key.PublicKey))
	ctx := context.Background()

	ticket, err := m.Create(ctx, "aud-1", []Approval{{Role: "operator"}}, 0)
	require.NoError(t, err)

	got, err := m.Override(ctx, ticket.ID, "incident mitigation", signAssertion(t, key, "carol"))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "carol", got.ResolvedBy)
	assert.Equal(t, "incident mitigation", got.DecisionRationale)
}

func TestManager_OverrideRequiresRationaleAndValidAssertion(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wrongKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	m := NewManager(NewMemoryStore(), WithAssertionKey(&key.PublicKey))
	ctx := context.Background()
	ticket, err := m.Create(ctx, "aud-1", nil, 0)
	require.NoError(t, err)

	_, err = m.Override(ctx, ticket.ID, "", signAssertion(t, key, "carol"))
	assert.Error(t, err, "missing rationale")

	_, err = m.Override(ctx, ticket.ID, "why", signAssertion(t, wrongKey, "carol"))
	assert.Error(t, err, "assertion signed by untrusted key")

	got, err := m.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "failed overrides must not mutate the ticket")
}
