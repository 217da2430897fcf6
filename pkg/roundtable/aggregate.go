package roundtable

import (
	"math/rand"
	"sort"
	"strings"
)

// normalizeResponse folds case and collapses whitespace so that trivially
// different renderings of the same answer count as one candidate.
func normalizeResponse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// candidate is one semantically distinct response with its supporting votes.
type candidate struct {
	key   string
	text  string // first raw rendering seen
	votes []Vote
}

func groupVotes(votes []Vote) []candidate {
	index := make(map[string]int)
	var cands []candidate
	for _, v := range votes {
		key := normalizeResponse(v.Response)
		i, ok := index[key]
		if !ok {
			i = len(cands)
			index[key] = i
			cands = append(cands, candidate{key: key, text: v.Response})
		}
		cands[i].votes = append(cands[i].votes, v)
	}
	return cands
}

func (c candidate) count() int { return len(c.votes) }

func (c candidate) weight() float64 {
	var w float64
	for _, v := range c.votes {
		w += v.WeightUsed
	}
	return w
}

func (c candidate) maxConfidence() float64 {
	var best float64
	for _, v := range c.votes {
		if v.Confidence > best {
			best = v.Confidence
		}
	}
	return best
}

func (c candidate) meanConfidence() float64 {
	if len(c.votes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range c.votes {
		sum += v.Confidence
	}
	return sum / float64(len(c.votes))
}

// aggregation is the outcome of one voting rule over a vote set.
type aggregation struct {
	decision string
	tally    []Tally
	strength ConsensusStrength
	dissent  int
}

// aggregate applies the session's voting mode. The sibling flag caps strength
// at weak: a table padded with same-provider seats never reports strong
// consensus.
func aggregate(s *Session, votes []Vote, roster []Participant) aggregation {
	if len(votes) == 0 {
		return aggregation{strength: ConsensusNone}
	}

	threshold := s.Quorum.ConsensusThreshold
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}

	var agg aggregation
	switch s.VotingMode {
	case VoteWeighted:
		agg = aggregateWeighted(votes, threshold)
	case VoteBorda:
		agg = aggregateBorda(votes, threshold)
	default:
		agg = aggregateMajority(votes, threshold, s.TieBreaker, roster)
	}

	if hasSiblings(roster) && agg.strength == ConsensusStrong {
		agg.strength = ConsensusWeak
	}
	return agg
}

// aggregateMajority picks the response with the highest vote count. Ties fall
// to the configured tie-breaker.
func aggregateMajority(votes []Vote, threshold float64, tb TieBreaker, roster []Participant) aggregation {
	cands := groupVotes(votes)

	best := 0
	for _, c := range cands {
		if c.count() > best {
			best = c.count()
		}
	}
	var tied []candidate
	for _, c := range cands {
		if c.count() == best {
			tied = append(tied, c)
		}
	}

	winner := tied[0]
	if len(tied) > 1 {
		winner = breakTie(tied, tb, roster)
	}

	share := float64(best) / float64(len(votes))
	return aggregation{
		decision: winner.text,
		tally:    tallies(cands, nil),
		strength: strengthFromShare(share, threshold),
		dissent:  len(votes) - winner.count(),
	}
}

// aggregateWeighted sums weight_used per candidate; the heaviest wins. Strong
// consensus requires the winning share of total present weight to reach the
// threshold, equality included.
func aggregateWeighted(votes []Vote, threshold float64) aggregation {
	cands := groupVotes(votes)

	var total float64
	for _, v := range votes {
		total += v.WeightUsed
	}

	winner := cands[0]
	for _, c := range cands[1:] {
		if c.weight() > winner.weight() {
			winner = c
		}
	}

	share := 0.0
	if total > 0 {
		share = winner.weight() / total
	}
	return aggregation{
		decision: winner.text,
		tally:    tallies(cands, nil),
		strength: strengthFromShare(share, threshold),
		dissent:  len(votes) - winner.count(),
	}
}

// aggregateBorda has every participant rank all candidates: its own response
// first, the rest ordered by mean confidence. A rank of r among m candidates
// earns m-1-r points, scaled by the participant's weight.
func aggregateBorda(votes []Vote, threshold float64) aggregation {
	cands := groupVotes(votes)
	m := len(cands)

	// Unanimity leaves nothing to rank: a lone candidate would score zero
	// points under the formula. It holds the full share.
	if m == 1 {
		return aggregation{
			decision: cands[0].text,
			tally:    tallies(cands, nil),
			strength: strengthFromShare(1, threshold),
		}
	}

	order := make([]candidate, m)
	copy(order, cands)
	sort.SliceStable(order, func(a, b int) bool {
		return order[a].meanConfidence() > order[b].meanConfidence()
	})

	points := make(map[string]float64, m)
	for _, v := range votes {
		own := normalizeResponse(v.Response)
		rank := 0
		points[own] += float64(m-1-rank) * v.WeightUsed
		rank++
		for _, c := range order {
			if c.key == own {
				continue
			}
			points[c.key] += float64(m-1-rank) * v.WeightUsed
			rank++
		}
	}

	winner := cands[0]
	var total float64
	for _, c := range cands {
		total += points[c.key]
		if points[c.key] > points[winner.key] {
			winner = c
		}
	}

	share := 0.0
	if total > 0 {
		share = points[winner.key] / total
	}
	return aggregation{
		decision: winner.text,
		tally:    tallies(cands, points),
		strength: strengthFromShare(share, threshold),
		dissent:  len(votes) - winner.count(),
	}
}

func strengthFromShare(share, threshold float64) ConsensusStrength {
	if share >= threshold {
		return ConsensusStrong
	}
	return ConsensusWeak
}

// breakTie resolves a majority tie.
func breakTie(tied []candidate, tb TieBreaker, roster []Participant) candidate {
	switch tb {
	case TieByChair:
		var chairID string
		for _, p := range roster {
			if p.Chair {
				chairID = p.ID
				break
			}
		}
		for _, c := range tied {
			for _, v := range c.votes {
				if v.ParticipantID == chairID {
					return c
				}
			}
		}
		return tied[0]

	case TieByRandom:
		return tied[rand.Intn(len(tied))]

	default: // confidence
		best := tied[0]
		for _, c := range tied[1:] {
			if c.maxConfidence() > best.maxConfidence() {
				best = c
			}
		}
		return best
	}
}

func tallies(cands []candidate, points map[string]float64) []Tally {
	out := make([]Tally, 0, len(cands))
	for _, c := range cands {
		t := Tally{Response: c.text, Count: c.count(), Weight: c.weight()}
		if points != nil {
			t.Points = points[c.key]
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Weight != out[b].Weight {
			return out[a].Weight > out[b].Weight
		}
		return out[a].Count > out[b].Count
	})
	return out
}
