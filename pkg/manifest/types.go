// Package manifest loads and verifies the signed law manifest that governs
// every action in the system. The manifest is a boot-time gate: a manifest
// that fails schema validation, signature verification, or internal
// consistency checks aborts startup.
package manifest

import "fmt"

// EnforcementLevel controls how a law violation is handled.
type EnforcementLevel string

const (
	// EnforcementCritical blocks the action immediately on violation.
	EnforcementCritical EnforcementLevel = "critical"
	// EnforcementStandard accumulates the violation and routes the action
	// to human approval instead of blocking outright.
	EnforcementStandard EnforcementLevel = "standard"
	// EnforcementAdvisory records the violation without changing status.
	EnforcementAdvisory EnforcementLevel = "advisory"
)

// Law is one governance rule declared by the manifest.
type Law struct {
	ID               string           `json:"id"`
	Description      string           `json:"description,omitempty"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`

	// PredicateConfig carries law-specific configuration. For CEL laws it
	// holds the expression under the "cel" key.
	PredicateConfig map[string]any `json:"predicate_config,omitempty"`
}

// JurisdictionRules restricts where actions may run and what data classes
// each region may process.
type JurisdictionRules struct {
	AllowedRegions []string `json:"allowed_regions"`

	// RestrictedClassifications maps a region to data classifications that
	// must not be processed there.
	RestrictedClassifications map[string][]string `json:"restricted_classifications,omitempty"`
}

// FairnessRules configures the bias/disparity law.
type FairnessRules struct {
	// Threshold is the maximum tolerated disparity score (Gini or ratio
	// deviation). Default 0.2.
	Threshold float64 `json:"threshold"`

	// Mitigation selects the strategy attached to a fairness violation:
	// output_filtering, prompt_adjustment, or human_review.
	Mitigation string `json:"mitigation,omitempty"`
}

// EnergyMode selects energy-budget enforcement behavior.
type EnergyMode string

const (
	EnergyMonitor   EnergyMode = "monitor"
	EnergyGraduated EnergyMode = "graduated"
	EnergyStrict    EnergyMode = "strict"
)

// EnergyRules configures the energy-budget law.
type EnergyRules struct {
	BudgetKWh   float64    `json:"budget_kwh"`
	Enforcement EnergyMode `json:"enforcement"`
}

// LawManifest is the signed, versioned governance document. Immutable after
// load; reloading requires a process restart.
type LawManifest struct {
	Version string `json:"version"`
	Laws    []Law  `json:"laws"`

	// ConflictResolution is the priority-ordered list of law ids. Laws are
	// evaluated strictly in this order. Must reference every declared law
	// exactly once.
	ConflictResolution []string `json:"conflict_resolution"`

	Jurisdiction JurisdictionRules `json:"jurisdiction"`
	Fairness     FairnessRules     `json:"fairness"`
	Energy       EnergyRules       `json:"energy"`
}

// LawByID returns the declared law with the given id.
func (m *LawManifest) LawByID(id string) (Law, bool) {
	for _, l := range m.Laws {
		if l.ID == id {
			return l, true
		}
	}
	return Law{}, false
}

// SystemIntegrityError is fatal: the process must not start with an
// unverifiable or inconsistent manifest.
type SystemIntegrityError struct {
	Check  string // which boot check failed
	Reason string
	Err    error
}

func (e *SystemIntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("system integrity: %s: %s: %v", e.Check, e.Reason, e.Err)
	}
	return fmt.Sprintf("system integrity: %s: %s", e.Check, e.Reason)
}

func (e *SystemIntegrityError) Unwrap() error { return e.Err }
