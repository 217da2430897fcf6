// Package audit implements the tamper-evident audit chain: an append-only,
// hash-linked log of every governed action, with segment rotation, receipts,
// redaction, and independent verification.
package audit

import (
	"fmt"
	"time"

	"github.com/roundtable-labs/roundtable/core/pkg/canonicalize"
)

// GenesisPrevHash is the prev_hash of the first record of the first segment
// of a chain: the hex encoding of 32 zero bytes.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one immutable entry in the chain.
type Record struct {
	AuditID    string    `json:"audit_id"`
	Seq        uint64    `json:"seq"`
	PrevHash   string    `json:"prev_hash"`
	RecordHash string    `json:"record_hash"`
	Timestamp  time.Time `json:"timestamp"`
	ActorID    string    `json:"actor_id"`
	ActionType string    `json:"action_type"`

	// ValidationResult is the redacted view of the policy decision that
	// produced this record.
	ValidationResult map[string]any `json:"validation_result,omitempty"`

	// PayloadRedacted is the action payload after sensitive-pattern
	// substitution.
	PayloadRedacted string `json:"payload_redacted,omitempty"`
}

// ComputeHash returns SHA-256(JCS(record without record_hash) || prev_hash).
func (r *Record) ComputeHash() (string, error) {
	shadow := *r
	shadow.RecordHash = ""
	canonical, err := canonicalize.JCS(&shadow)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(append(canonical, []byte(r.PrevHash)...)), nil
}

// Receipt summarizes one closed segment. Written once per rotation or close.
type Receipt struct {
	ChainID      string    `json:"chain_id"`
	SegmentID    string    `json:"segment_id"`
	FirstAuditID string    `json:"first_audit_id"`
	LastAuditID  string    `json:"last_audit_id"`
	RecordCount  int       `json:"record_count"`
	RootHash     string    `json:"root_hash"` // record_hash of the last record
	CreatedAt    time.Time `json:"created_at"`
}

// StorageError wraps an I/O failure from the backing store. Logging never
// fails because of chain history; it fails only here, and appends are
// retried with backoff because losing an audit write is unacceptable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("audit storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ChainIntegrityError reports the first record at which verification fails.
// Raised only by Verify, never by Append.
type ChainIntegrityError struct {
	AuditID string
	Seq     uint64
	Reason  string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity broken at audit_id=%s seq=%d: %s", e.AuditID, e.Seq, e.Reason)
}
