package audit

import "regexp"

// Redactor substitutes sensitive substrings before a payload is hashed or
// persisted. Redaction happens before hashing so the chain remains verifiable
// without ever storing the raw secret.
type Redactor struct {
	patterns []*regexp.Regexp
	mask     string
}

var defaultPatterns = []*regexp.Regexp{
	// API-key-shaped tokens (sk-..., AKIA..., bearer-style opaque keys).
	regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|password)\s*[:=]\s*\S+`),
	// Email addresses.
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	// US SSN-shaped national ids.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// NewRedactor returns a redactor with the default sensitive patterns plus
// any extra ones supplied by configuration.
func NewRedactor(extra ...*regexp.Regexp) *Redactor {
	return &Redactor{
		patterns: append(append([]*regexp.Regexp{}, defaultPatterns...), extra...),
		mask:     "[REDACTED]",
	}
}

// Redact applies every pattern to s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, r.mask)
	}
	return s
}
