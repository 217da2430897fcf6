package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSegmentBytes rotates a segment once it exceeds ~10MB.
const DefaultMaxSegmentBytes = 10 << 20

// Entry is the caller-supplied payload for one audit append. The chain
// assigns AuditID when absent.
type Entry struct {
	AuditID          string
	ActorID          string
	ActionType       string
	ValidationResult map[string]any
	Payload          string
}

// Archiver receives closed segments, e.g. for cold storage in an object
// store. Archive failures are logged, not fatal: the local store remains the
// source of truth.
type Archiver interface {
	ArchiveSegment(ctx context.Context, chainID, segmentID string, lines [][]byte, receipt *Receipt) error
}

// Anchorer publishes a closed segment's root hash to an external append-only
// channel so retroactive rewrites of a whole local segment are detectable.
type Anchorer interface {
	Publish(ctx context.Context, receipt *Receipt) error
}

// Chain is the single writer for one audit chain. All appends are serialized;
// concurrent chains (per day, per run) are independent.
type Chain struct {
	mu sync.Mutex

	id       string
	store    Store
	redactor *Redactor
	archiver Archiver
	anchorer Anchorer
	logger   *slog.Logger
	clock    func() time.Time

	maxSegmentBytes int64
	maxRetries      int

	segmentSeq     int
	segmentID      string
	segmentBytes   int64
	segmentOpened  time.Time
	segmentFirstID string
	segmentLastID  string
	segmentCount   int

	seq      uint64
	lastHash string
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) ChainOption {
	return func(c *Chain) { c.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ChainOption {
	return func(c *Chain) { c.logger = l }
}

// WithMaxSegmentBytes overrides the rotation size threshold.
func WithMaxSegmentBytes(n int64) ChainOption {
	return func(c *Chain) { c.maxSegmentBytes = n }
}

// WithRedactor overrides the default redaction patterns.
func WithRedactor(r *Redactor) ChainOption {
	return func(c *Chain) { c.redactor = r }
}

// WithArchiver attaches a cold-storage archiver for closed segments.
func WithArchiver(a Archiver) ChainOption {
	return func(c *Chain) { c.archiver = a }
}

// WithAnchorer attaches an external anchor channel for closed segments.
func WithAnchorer(a Anchorer) ChainOption {
	return func(c *Chain) { c.anchorer = a }
}

// NewChain opens (or resumes) the chain with the given id. If the store
// already holds segments for this chain, the writer resumes from the last
// record so hash linkage continues across restarts.
func NewChain(ctx context.Context, store Store, chainID string, opts ...ChainOption) (*Chain, error) {
	c := &Chain{
		id:              chainID,
		store:           store,
		redactor:        NewRedactor(),
		logger:          slog.Default(),
		clock:           time.Now,
		maxSegmentBytes: DefaultMaxSegmentBytes,
		maxRetries:      5,
		lastHash:        GenesisPrevHash,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.resume(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the chain id.
func (c *Chain) ID() string { return c.id }

func segmentName(n int) string { return fmt.Sprintf("seg-%08d", n) }

func (c *Chain) resume(ctx context.Context) error {
	segments, err := c.store.ListSegments(ctx, c.id)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		c.openSegment(1)
		return nil
	}

	last := segments[len(segments)-1]
	lines, err := c.store.ReadSegmentRaw(ctx, c.id, last)
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		var tail Record
		if err := json.Unmarshal(lines[len(lines)-1], &tail); err != nil {
			return &StorageError{Op: "resume", Err: fmt.Errorf("segment %s tail corrupt: %w", last, err)}
		}
		c.seq = tail.Seq
		c.lastHash = tail.RecordHash
		c.segmentLastID = tail.AuditID
	}

	receipt, err := c.store.ReadReceipt(ctx, c.id, last)
	if err != nil {
		return err
	}

	var lastN int
	if _, err := fmt.Sscanf(last, "seg-%08d", &lastN); err != nil {
		return &StorageError{Op: "resume", Err: fmt.Errorf("unrecognized segment id %q", last)}
	}

	if receipt != nil {
		// Last segment already closed; start a fresh one.
		c.openSegment(lastN + 1)
		return nil
	}

	c.segmentSeq = lastN
	c.segmentID = last
	c.segmentCount = len(lines)
	for _, l := range lines {
		c.segmentBytes += int64(len(l)) + 1
	}
	if len(lines) > 0 {
		var head Record
		if err := json.Unmarshal(lines[0], &head); err == nil {
			c.segmentFirstID = head.AuditID
			c.segmentOpened = head.Timestamp
		}
	} else {
		c.segmentOpened = c.clock().UTC()
	}
	return nil
}

func (c *Chain) openSegment(n int) {
	c.segmentSeq = n
	c.segmentID = segmentName(n)
	c.segmentBytes = 0
	c.segmentCount = 0
	c.segmentFirstID = ""
	c.segmentLastID = ""
	c.segmentOpened = c.clock().UTC()
}

// Append redacts, hashes, and persists one entry, returning its audit id.
// Persistence is retried with exponential backoff: an audit write must not
// be lost. Chain history never makes Append fail.
func (c *Chain) Append(ctx context.Context, e Entry) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock().UTC()
	if c.shouldRotate(now) {
		if err := c.rotateLocked(ctx, now); err != nil {
			return "", err
		}
	}

	auditID := e.AuditID
	if auditID == "" {
		auditID = uuid.New().String()
	}

	rec := &Record{
		AuditID:          auditID,
		Seq:              c.seq + 1,
		PrevHash:         c.lastHash,
		Timestamp:        now,
		ActorID:          e.ActorID,
		ActionType:       e.ActionType,
		ValidationResult: redactMap(c.redactor, e.ValidationResult),
		PayloadRedacted:  c.redactor.Redact(e.Payload),
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return "", fmt.Errorf("audit: hash record: %w", err)
	}
	rec.RecordHash = hash

	if err := c.appendWithRetry(ctx, rec); err != nil {
		return "", err
	}

	c.seq = rec.Seq
	c.lastHash = rec.RecordHash
	c.segmentCount++
	if c.segmentFirstID == "" {
		c.segmentFirstID = rec.AuditID
	}
	c.segmentLastID = rec.AuditID
	if raw, err := json.Marshal(rec); err == nil {
		c.segmentBytes += int64(len(raw)) + 1
	}
	return auditID, nil
}

func (c *Chain) appendWithRetry(ctx context.Context, rec *Record) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		lastErr = c.store.AppendRecord(ctx, c.id, c.segmentID, rec)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		backoff := time.Duration(50<<attempt)*time.Millisecond +
			time.Duration(rand.Int63n(int64(25*time.Millisecond)))
		c.logger.Warn("audit append failed, retrying",
			"chain", c.id, "seq", rec.Seq, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return &StorageError{Op: "append", Err: ctx.Err()}
		}
	}
	return lastErr
}

func (c *Chain) shouldRotate(now time.Time) bool {
	if c.segmentCount == 0 {
		return false
	}
	if c.segmentBytes >= c.maxSegmentBytes {
		return true
	}
	// Day boundary (UTC).
	return now.YearDay() != c.segmentOpened.YearDay() || now.Year() != c.segmentOpened.Year()
}

// Rotate closes the current segment and opens the next one. The closing
// record's hash becomes the next segment's opening prev_hash implicitly via
// c.lastHash.
func (c *Chain) Rotate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segmentCount == 0 {
		return nil
	}
	return c.rotateLocked(ctx, c.clock().UTC())
}

func (c *Chain) rotateLocked(ctx context.Context, now time.Time) error {
	receipt := &Receipt{
		ChainID:      c.id,
		SegmentID:    c.segmentID,
		FirstAuditID: c.segmentFirstID,
		LastAuditID:  c.segmentLastID,
		RecordCount:  c.segmentCount,
		RootHash:     c.lastHash,
		CreatedAt:    now,
	}
	if err := c.store.WriteReceipt(ctx, c.id, receipt); err != nil {
		return err
	}

	if c.archiver != nil {
		lines, err := c.store.ReadSegmentRaw(ctx, c.id, c.segmentID)
		if err == nil {
			err = c.archiver.ArchiveSegment(ctx, c.id, c.segmentID, lines, receipt)
		}
		if err != nil {
			c.logger.Warn("segment archive failed", "chain", c.id, "segment", c.segmentID, "err", err)
		}
	}
	if c.anchorer != nil {
		if err := c.anchorer.Publish(ctx, receipt); err != nil {
			c.logger.Warn("anchor publish failed", "chain", c.id, "segment", c.segmentID, "err", err)
		} else {
			c.logger.Info("segment anchored", "chain", c.id, "segment", c.segmentID, "root", receipt.RootHash)
		}
	}

	c.logger.Info("segment rotated",
		"chain", c.id, "segment", c.segmentID, "records", c.segmentCount, "root", c.lastHash)
	c.openSegment(c.segmentSeq + 1)
	return nil
}

// Close finalizes the open segment, writing its receipt.
func (c *Chain) Close(ctx context.Context) error {
	return c.Rotate(ctx)
}

// redactMap applies redaction to every string leaf of a validation result.
func redactMap(r *Redactor, m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = r.Redact(t)
		case map[string]any:
			out[k] = redactMap(r, t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if s, ok := e.(string); ok {
					cp[i] = r.Redact(s)
				} else if mm, ok := e.(map[string]any); ok {
					cp[i] = redactMap(r, mm)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
