// Package anchor publishes closed-segment root hashes to external
// append-only channels. Anchors make retroactive rewrites of an entire local
// segment detectable: verify cross-checks the recomputed root against the
// published value.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
)

// Entry is one published anchor.
type Entry struct {
	ChainID    string    `json:"chain_id"`
	SegmentID  string    `json:"segment_id"`
	RootHash   string    `json:"root_hash"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// FileAnchorer appends anchors to one JSONL file per UTC day.
type FileAnchorer struct {
	dir   string
	clock func() time.Time
}

// NewFileAnchorer writes anchor files under dir, keyed by date.
func NewFileAnchorer(dir string) (*FileAnchorer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("anchor: mkdir: %w", err)
	}
	return &FileAnchorer{dir: dir, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic tests.
func (a *FileAnchorer) WithClock(clock func() time.Time) *FileAnchorer {
	a.clock = clock
	return a
}

func (a *FileAnchorer) Publish(ctx context.Context, receipt *audit.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := a.clock().UTC()
	entry := Entry{
		ChainID:    receipt.ChainID,
		SegmentID:  receipt.SegmentID,
		RootHash:   receipt.RootHash,
		AnchoredAt: now,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	path := filepath.Join(a.dir, "anchors-"+now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("anchor: open: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("anchor: write: %w", err)
	}
	return nil
}

// LoadAnchorFile parses an anchor file into the segment→root map consumed by
// audit.VerifyOptions. Later entries for the same segment win.
func LoadAnchorFile(path, chainID string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("anchor: read: %w", err)
	}
	anchors := make(map[string]string)
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("anchor: parse: %w", err)
		}
		if chainID == "" || e.ChainID == chainID {
			anchors[e.SegmentID] = e.RootHash
		}
	}
	return anchors, nil
}

// RedisAnchorer publishes anchors to a Redis stream via XADD. Streams are
// append-only, which is exactly the property an anchor channel needs.
type RedisAnchorer struct {
	client *redis.Client
	stream string
}

// NewRedisAnchorer publishes to the given stream key.
func NewRedisAnchorer(client *redis.Client, stream string) *RedisAnchorer {
	if stream == "" {
		stream = "roundtable:audit:anchors"
	}
	return &RedisAnchorer{client: client, stream: stream}
}

func (a *RedisAnchorer) Publish(ctx context.Context, receipt *audit.Receipt) error {
	return a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.stream,
		Values: map[string]any{
			"chain_id":   receipt.ChainID,
			"segment_id": receipt.SegmentID,
			"root_hash":  receipt.RootHash,
			"records":    receipt.RecordCount,
		},
	}).Err()
}
