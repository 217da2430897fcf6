package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// VerifyOptions tunes chain verification.
type VerifyOptions struct {
	// Strict rejects records carrying unknown fields (schema drift).
	Strict bool

	// StartAfter skips records up to and including the given audit id. The
	// record after it is verified against its stored prev_hash.
	StartAfter string

	// Anchors maps segment id to an externally published root hash. When a
	// segment appears here, its recomputed root must match.
	Anchors map[string]string
}

// VerificationReport is the JSON-serializable outcome of Verify.
type VerificationReport struct {
	ChainID        string    `json:"chain_id"`
	Pass           bool      `json:"pass"`
	RecordCount    int       `json:"record_count"`
	SegmentCount   int       `json:"segment_count"`
	FirstFailureID string    `json:"first_failure_audit_id,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	AnchorsChecked int       `json:"anchors_checked"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// Verify recomputes the chain from its first record (or from StartAfter),
// comparing every stored record_hash against a freshly recomputed value and
// checking prev_hash linkage, including continuity across rotated segments.
// The first mismatch is reported as *ChainIntegrityError and verification
// stops there.
func Verify(ctx context.Context, store Store, chainID string, opts VerifyOptions) (*VerificationReport, error) {
	report := &VerificationReport{
		ChainID:    chainID,
		Pass:       true,
		VerifiedAt: time.Now().UTC(),
	}

	segments, err := store.ListSegments(ctx, chainID)
	if err != nil {
		return nil, err
	}
	report.SegmentCount = len(segments)

	expectedPrev := GenesisPrevHash
	skipping := opts.StartAfter != ""

	for _, segID := range segments {
		lines, err := store.ReadSegmentRaw(ctx, chainID, segID)
		if err != nil {
			return nil, err
		}

		var segLast *Record
		for _, line := range lines {
			var rec Record
			if opts.Strict {
				dec := json.NewDecoder(bytes.NewReader(line))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&rec); err != nil {
					return fail(report, &ChainIntegrityError{
						AuditID: bestEffortAuditID(line),
						Reason:  fmt.Sprintf("strict decode: %v", err),
					})
				}
			} else if err := json.Unmarshal(line, &rec); err != nil {
				return fail(report, &ChainIntegrityError{
					AuditID: bestEffortAuditID(line),
					Reason:  fmt.Sprintf("decode: %v", err),
				})
			}

			last := rec
			segLast = &last

			if skipping {
				expectedPrev = rec.RecordHash
				if rec.AuditID == opts.StartAfter {
					skipping = false
				}
				continue
			}

			report.RecordCount++

			if rec.PrevHash != expectedPrev {
				return fail(report, &ChainIntegrityError{
					AuditID: rec.AuditID, Seq: rec.Seq,
					Reason: fmt.Sprintf("prev_hash %s does not match expected %s", rec.PrevHash, expectedPrev),
				})
			}
			recomputed, err := rec.ComputeHash()
			if err != nil {
				return nil, fmt.Errorf("audit: recompute hash: %w", err)
			}
			if recomputed != rec.RecordHash {
				return fail(report, &ChainIntegrityError{
					AuditID: rec.AuditID, Seq: rec.Seq,
					Reason: fmt.Sprintf("record_hash %s does not match recomputed %s", rec.RecordHash, recomputed),
				})
			}
			expectedPrev = rec.RecordHash
		}

		// Receipt and anchor checks apply to closed segments.
		receipt, err := store.ReadReceipt(ctx, chainID, segID)
		if err != nil {
			return nil, err
		}
		if receipt != nil && segLast != nil && !skipping {
			if receipt.RootHash != segLast.RecordHash {
				return fail(report, &ChainIntegrityError{
					AuditID: segLast.AuditID, Seq: segLast.Seq,
					Reason: fmt.Sprintf("receipt root %s does not match segment tail %s", receipt.RootHash, segLast.RecordHash),
				})
			}
			if receipt.RecordCount != len(lines) {
				return fail(report, &ChainIntegrityError{
					AuditID: segLast.AuditID, Seq: segLast.Seq,
					Reason: fmt.Sprintf("receipt records %d, segment holds %d", receipt.RecordCount, len(lines)),
				})
			}
		}
		if anchor, ok := opts.Anchors[segID]; ok && segLast != nil {
			report.AnchorsChecked++
			if anchor != segLast.RecordHash {
				return fail(report, &ChainIntegrityError{
					AuditID: segLast.AuditID, Seq: segLast.Seq,
					Reason: fmt.Sprintf("anchored root %s does not match recomputed %s", anchor, segLast.RecordHash),
				})
			}
		}
	}

	return report, nil
}

func fail(report *VerificationReport, cerr *ChainIntegrityError) (*VerificationReport, error) {
	report.Pass = false
	report.FirstFailureID = cerr.AuditID
	report.FailureReason = cerr.Reason
	return report, cerr
}

func bestEffortAuditID(line []byte) string {
	var probe struct {
		AuditID string `json:"audit_id"`
	}
	_ = json.Unmarshal(line, &probe)
	return probe.AuditID
}
