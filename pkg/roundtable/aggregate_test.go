package roundtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vote(id, response string, confidence, weight float64) Vote {
	return Vote{ParticipantID: id, Response: response, Confidence: confidence, WeightUsed: weight}
}

func TestAggregateWeighted_TwoThirdsBelowThresholdIsWeak(t *testing.T) {
	// Share 2/3 ≈ 0.6667 sits just under the 0.67 default threshold.
	s := &Session{VotingMode: VoteWeighted, Quorum: Quorum{ConsensusThreshold: 0.67}}
	votes := []Vote{
		vote("p1", "A", 0.9, 1.0),
		vote("p2", "A", 0.8, 1.0),
		vote("p3", "B", 0.7, 1.0),
	}

	agg := aggregate(s, votes, nil)
	assert.Equal(t, "A", agg.decision)
	assert.Equal(t, ConsensusWeak, agg.strength)
	assert.Equal(t, 1, agg.dissent)
}

func TestAggregateWeighted_ExactThresholdIsStrong(t *testing.T) {
	// Winning share exactly equals the threshold: strong, inclusively.
	s := &Session{VotingMode: VoteWeighted, Quorum: Quorum{ConsensusThreshold: 0.75}}
	votes := []Vote{
		vote("p1", "A", 0.9, 1.5),
		vote("p2", "A", 0.8, 1.5),
		vote("p3", "B", 0.7, 1.0),
	}

	agg := aggregate(s, votes, nil)
	assert.Equal(t, "A", agg.decision)
	assert.Equal(t, ConsensusStrong, agg.strength)
}

func TestAggregateWeighted_SiblingAgreementStaysMinority(t *testing.T) {
	// Two siblings at 0.6 agreeing (1.2) against one independent at 1.0:
	// total 2.2, sibling share ≈ 0.545, never strong.
	roster := []Participant{
		{ID: "p1", Provider: "alpha", Weight: 1.0, Chair: true},
		{ID: "p1-sibling-2", Provider: "alpha", Weight: 0.6, Sibling: true},
		{ID: "p1-sibling-3", Provider: "alpha", Weight: 0.6, Sibling: true},
	}
	s := &Session{VotingMode: VoteWeighted, Quorum: Quorum{ConsensusThreshold: 0.67}}
	votes := []Vote{
		vote("p1", "B", 0.9, 1.0),
		vote("p1-sibling-2", "A", 0.8, 0.6),
		vote("p1-sibling-3", "A", 0.8, 0.6),
	}

	agg := aggregate(s, votes, roster)
	assert.Equal(t, "A", agg.decision, "1.2 still outweighs 1.0")
	assert.Equal(t, ConsensusWeak, agg.strength)
}

func TestAggregateWeighted_SiblingPresenceCapsStrength(t *testing.T) {
	roster := []Participant{
		{ID: "p1", Provider: "alpha", Weight: 1.0, Chair: true},
		{ID: "p1-sibling-2", Provider: "alpha", Weight: 0.6, Sibling: true},
	}
	s := &Session{VotingMode: VoteWeighted, Quorum: Quorum{ConsensusThreshold: 0.67}}
	votes := []Vote{
		vote("p1", "A", 0.9, 1.0),
		vote("p1-sibling-2", "A", 0.8, 0.6),
	}

	agg := aggregate(s, votes, roster)
	// Unanimous, but the table was padded from one provider.
	assert.Equal(t, ConsensusWeak, agg.strength)
}

func TestAggregateMajority_SemanticEquality(t *testing.T) {
	s := &Session{VotingMode: VoteMajority, Quorum: Quorum{ConsensusThreshold: 0.67}}
	votes := []Vote{
		vote("p1", "Approve  the change", 0.9, 1.0),
		vote("p2", "approve the change", 0.8, 1.0),
		vote("p3", "reject", 0.7, 1.0),
	}

	agg := aggregate(s, votes, nil)
	assert.Equal(t, "Approve  the change", agg.decision, "first raw rendering wins")
	assert.Equal(t, ConsensusWeak, agg.strength)
	require.Len(t, agg.tally, 2)
	assert.Equal(t, 2, agg.tally[0].Count)
}

func TestAggregateMajority_ConfidenceTieBreak(t *testing.T) {
	s := &Session{VotingMode: VoteMajority, TieBreaker: TieByConfidence}
	votes := []Vote{
		vote("p1", "A", 0.6, 1.0),
		vote("p2", "B", 0.95, 1.0),
	}

	agg := aggregate(s, votes, nil)
	assert.Equal(t, "B", agg.decision)
}

func TestAggregateMajority_ChairTieBreak(t *testing.T) {
	roster := []Participant{
		{ID: "p1", Provider: "alpha", Weight: 1.0, Chair: true},
		{ID: "p2", Provider: "beta", Weight: 1.0},
	}
	s := &Session{VotingMode: VoteMajority, TieBreaker: TieByChair}
	votes := []Vote{
		vote("p1", "A", 0.5, 1.0),
		vote("p2", "B", 0.99, 1.0),
	}

	agg := aggregate(s, votes, roster)
	assert.Equal(t, "A", agg.decision, "chair's side wins the tie")
}

func TestAggregateBorda(t *testing.T) {
	s := &Session{VotingMode: VoteBorda, Quorum: Quorum{ConsensusThreshold: 0.5}}
	votes := []Vote{
		vote("p1", "A", 0.9, 1.0),
		vote("p2", "A", 0.8, 1.0),
		vote("p3", "B", 0.7, 1.0),
	}

	agg := aggregate(s, votes, nil)
	assert.Equal(t, "A", agg.decision)
	require.Len(t, agg.tally, 2)
	assert.Greater(t, agg.tally[0].Points, agg.tally[1].Points)
}

func TestAggregateBorda_UnanimityIsStrong(t *testing.T) {
	s := &Session{VotingMode: VoteBorda, Quorum: Quorum{ConsensusThreshold: 0.67}}
	votes := []Vote{
		vote("p1", "ship it", 0.9, 1.0),
		vote("p2", "Ship It", 0.8, 1.0),
		vote("p3", "ship it", 0.7, 1.0),
	}

	agg := aggregate(s, votes, nil)
	assert.Equal(t, "ship it", agg.decision)
	assert.Equal(t, ConsensusStrong, agg.strength)
	assert.Zero(t, agg.dissent)
	require.Len(t, agg.tally, 1)
}

func TestAggregate_NoVotes(t *testing.T) {
	s := &Session{VotingMode: VoteWeighted}
	agg := aggregate(s, nil, nil)
	assert.Equal(t, ConsensusNone, agg.strength)
	assert.Empty(t, agg.decision)
}

func TestNormalizeResponse(t *testing.T) {
	assert.Equal(t, "approve the change", normalizeResponse("  Approve\tTHE   change\n"))
	assert.Equal(t, normalizeResponse("YES"), normalizeResponse("yes"))
}

func TestBuildRoster_SiblingSynthesis(t *testing.T) {
	s := &Session{
		ID:         "s1",
		Providers:  []ProviderSpec{{Provider: "alpha", Model: "alpha-1"}},
		RosterSize: 3,
		Quorum:     Quorum{MinAgents: 3, MinProviders: 2},
	}

	roster, err := BuildRoster(s)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.True(t, roster[0].Chair)
	assert.False(t, roster[0].Sibling)
	assert.InDelta(t, 1.0, roster[0].Weight, 1e-9)
	for _, p := range roster[1:] {
		assert.True(t, p.Sibling)
		assert.InDelta(t, DefaultSiblingWeight, p.Weight, 1e-9)
		assert.Equal(t, "alpha", p.Provider)
	}
}

func TestBuildRoster_DistinctProvidersNoSiblings(t *testing.T) {
	s := &Session{
		ID: "s2",
		Providers: []ProviderSpec{
			{Provider: "alpha", Model: "alpha-1"},
			{Provider: "beta", Model: "beta-2"},
			{Provider: "gamma", Model: "gamma-3"},
		},
		RosterSize: 3,
		Quorum:     Quorum{MinAgents: 3, MinProviders: 2},
	}

	roster, err := BuildRoster(s)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.False(t, hasSiblings(roster))
}
