package roundtable

import "fmt"

// BuildRoster seats one full-weight participant per distinct provider, up to
// the roster size. When distinct providers cannot cover the provider quorum,
// it synthesizes sibling seats from already-used provider families at the
// sibling weight so the agent quorum can still be reached. Sibling seats are
// marked so aggregation can cap consensus strength.
//
// The first seat is the chair, used by the chair tie-breaker.
func BuildRoster(s *Session) ([]Participant, error) {
	if len(s.Providers) == 0 {
		return nil, fmt.Errorf("session %s: no providers configured", s.ID)
	}

	size := s.RosterSize
	if size <= 0 {
		size = s.Quorum.MinAgents
	}
	if size <= 0 {
		size = len(s.Providers)
	}

	siblingWeight := s.SiblingWeight
	if siblingWeight <= 0 {
		siblingWeight = DefaultSiblingWeight
	}

	seen := make(map[string]bool, len(s.Providers))
	var roster []Participant
	for _, spec := range s.Providers {
		if len(roster) == size {
			break
		}
		if seen[spec.Provider] {
			continue
		}
		seen[spec.Provider] = true
		roster = append(roster, Participant{
			ID:       fmt.Sprintf("%s-%s-%d", spec.Provider, spec.Model, len(roster)+1),
			Provider: spec.Provider,
			Model:    spec.Model,
			Weight:   1.0,
		})
	}

	// Sibling synthesis keeps the table full when provider diversity falls
	// short, at the cost of weaker consensus.
	if len(seen) < s.Quorum.MinProviders {
		originals := len(roster)
		for i := 0; len(roster) < size; i++ {
			base := roster[i%originals]
			roster = append(roster, Participant{
				ID:       fmt.Sprintf("%s-sibling-%d", base.ID, len(roster)+1),
				Provider: base.Provider,
				Model:    base.Model,
				Weight:   siblingWeight,
				Sibling:  true,
			})
		}
	}

	if len(roster) > 0 {
		roster[0].Chair = true
	}
	return roster, nil
}

// hasSiblings reports whether any seat was synthesized.
func hasSiblings(roster []Participant) bool {
	for _, p := range roster {
		if p.Sibling {
			return true
		}
	}
	return false
}

// distinctProviders counts provider families among the given participant ids.
func distinctProviders(roster []Participant, ids map[string]bool) int {
	providers := make(map[string]bool)
	for _, p := range roster {
		if ids[p.ID] {
			providers[p.Provider] = true
		}
	}
	return len(providers)
}
