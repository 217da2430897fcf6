package anchor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
)

func receiptFor(chainID, segmentID, root string) *audit.Receipt {
	return &audit.Receipt{
		ChainID:     chainID,
		SegmentID:   segmentID,
		RecordCount: 3,
		RootHash:    root,
		CreatedAt:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestFileAnchorer_PublishAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := NewFileAnchorer(dir)
	require.NoError(t, err)
	a.WithClock(func() time.Time { return fixed })

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, receiptFor("chain-1", "seg-00000001", "root-a")))
	require.NoError(t, a.Publish(ctx, receiptFor("chain-1", "seg-00000002", "root-b")))
	require.NoError(t, a.Publish(ctx, receiptFor("chain-2", "seg-00000001", "root-other")))

	// One file per UTC day, keyed by the injected clock.
	path := filepath.Join(dir, "anchors-2026-03-01.jsonl")
	_, err = os.Stat(path)
	require.NoError(t, err)

	anchors, err := LoadAnchorFile(path, "chain-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"seg-00000001": "root-a",
		"seg-00000002": "root-b",
	}, anchors)

	// An empty chain id loads every chain's anchors.
	all, err := LoadAnchorFile(path, "")
	require.NoError(t, err)
	assert.Len(t, all, 2, "chain-2 reuses a segment id, later entry wins")
}

func TestFileAnchorer_LaterEntryWins(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileAnchorer(dir)
	require.NoError(t, err)
	a.WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, receiptFor("chain-1", "seg-00000001", "stale")))
	require.NoError(t, a.Publish(ctx, receiptFor("chain-1", "seg-00000001", "fresh")))

	anchors, err := LoadAnchorFile(filepath.Join(dir, "anchors-2026-03-01.jsonl"), "chain-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", anchors["seg-00000001"])
}

func TestFileAnchorer_CancelledContext(t *testing.T) {
	a, err := NewFileAnchorer(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, a.Publish(ctx, receiptFor("chain-1", "seg-00000001", "root-a")))
}

func TestLoadAnchorFile_MissingFile(t *testing.T) {
	_, err := LoadAnchorFile(filepath.Join(t.TempDir(), "absent.jsonl"), "chain-1")
	assert.Error(t, err)
}
