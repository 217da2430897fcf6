package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func newTestChain(t *testing.T, opts ...ChainOption) (*Chain, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	all := append([]ChainOption{WithClock(fixedClock())}, opts...)
	chain, err := NewChain(context.Background(), store, "chain-test", all...)
	require.NoError(t, err)
	return chain, store
}

func TestChain_AppendLinksRecords(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	id1, err := chain.Append(ctx, Entry{ActorID: "agent:a", ActionType: "dispatch", Payload: "one"})
	require.NoError(t, err)
	id2, err := chain.Append(ctx, Entry{ActorID: "agent:b", ActionType: "dispatch", Payload: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	lines, err := store.ReadSegmentRaw(ctx, "chain-test", "seg-00000001")
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	assert.Equal(t, GenesisPrevHash, first.PrevHash)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, first.RecordHash, second.PrevHash)
	assert.Equal(t, uint64(2), second.Seq)
}

func TestChain_Determinism(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{AuditID: "a-1", ActorID: "agent:x", ActionType: "validate", Payload: "p1"},
		{AuditID: "a-2", ActorID: "agent:y", ActionType: "dispatch", Payload: "p2"},
		{AuditID: "a-3", ActorID: "agent:z", ActionType: "decide", Payload: "p3"},
	}

	run := func(t *testing.T) string {
		chain, _ := newTestChain(t)
		for _, e := range entries {
			_, err := chain.Append(ctx, e)
			require.NoError(t, err)
		}
		return chain.lastHash
	}

	assert.Equal(t, run(t), run(t), "same entries on fresh chains must yield identical root hash")
}

func TestChain_DeterminismProperty(t *testing.T) {
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	genEntry := gopter.CombineGens(
		gen.Identifier(), gen.Identifier(), gen.AnyString(),
	).Map(func(vs []any) Entry {
		return Entry{
			AuditID:    "fixed-" + vs[0].(string),
			ActorID:    vs[0].(string),
			ActionType: vs[1].(string),
			Payload:    vs[2].(string),
		}
	})

	properties.Property("fresh chains over the same entries agree on root hash", prop.ForAll(
		func(entries []Entry) bool {
			roots := make([]string, 2)
			for i := range roots {
				store, err := NewFileStore(t.TempDir())
				if err != nil {
					return false
				}
				chain, err := NewChain(ctx, store, "prop", WithClock(fixedClock()))
				if err != nil {
					return false
				}
				for _, e := range entries {
					if _, err := chain.Append(ctx, e); err != nil {
						return false
					}
				}
				roots[i] = chain.lastHash
			}
			return roots[0] == roots[1]
		},
		gen.SliceOf(genEntry),
	))

	properties.TestingRun(t)
}

func TestChain_RedactsSensitivePayload(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	_, err := chain.Append(ctx, Entry{
		ActorID:    "agent:a",
		ActionType: "invoke",
		Payload:    "call with api_key=sk-abcdefghijklmnop1234 from ops@example.com ssn 123-45-6789",
		ValidationResult: map[string]any{
			"note": "contact admin@example.com",
		},
	})
	require.NoError(t, err)

	lines, err := store.ReadSegmentRaw(ctx, "chain-test", "seg-00000001")
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(lines[0], &rec))

	assert.NotContains(t, rec.PayloadRedacted, "sk-abcdefghijklmnop1234")
	assert.NotContains(t, rec.PayloadRedacted, "ops@example.com")
	assert.NotContains(t, rec.PayloadRedacted, "123-45-6789")
	assert.Contains(t, rec.PayloadRedacted, "[REDACTED]")
	assert.Equal(t, "contact [REDACTED]", rec.ValidationResult["note"])

	// Redaction happens before hashing, so the chain still verifies.
	report, err := Verify(ctx, store, "chain-test", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Pass)
}

func TestChain_RotationContinuity(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	chain, err := NewChain(ctx, store, "rot", WithClock(fixedClock()), WithMaxSegmentBytes(1))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, Entry{ActorID: "a", ActionType: "t", Payload: "x"})
		require.NoError(t, err)
	}
	require.NoError(t, chain.Close(ctx))

	segments, err := store.ListSegments(ctx, "rot")
	require.NoError(t, err)
	require.Len(t, segments, 3, "1-byte threshold forces a rotation before every append after the first")

	// Segment N+1 genesis prev_hash must equal segment N's final record_hash.
	var prevRoot string
	for i, seg := range segments {
		lines, err := store.ReadSegmentRaw(ctx, "rot", seg)
		require.NoError(t, err)
		require.NotEmpty(t, lines)
		var head, tail Record
		require.NoError(t, json.Unmarshal(lines[0], &head))
		require.NoError(t, json.Unmarshal(lines[len(lines)-1], &tail))
		if i == 0 {
			assert.Equal(t, GenesisPrevHash, head.PrevHash)
		} else {
			assert.Equal(t, prevRoot, head.PrevHash)
		}
		prevRoot = tail.RecordHash

		receipt, err := store.ReadReceipt(ctx, "rot", seg)
		require.NoError(t, err)
		require.NotNil(t, receipt)
		assert.Equal(t, tail.RecordHash, receipt.RootHash)
		assert.Equal(t, len(lines), receipt.RecordCount)
	}

	report, err := Verify(ctx, store, "rot", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Pass)
	assert.Equal(t, 3, report.RecordCount)
	assert.Equal(t, 3, report.SegmentCount)
}

func TestChain_ResumeContinuesLinkage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	chain, err := NewChain(ctx, store, "resume", WithClock(fixedClock()))
	require.NoError(t, err)
	_, err = chain.Append(ctx, Entry{ActorID: "a", ActionType: "t", Payload: "1"})
	require.NoError(t, err)

	// New writer over the same store resumes seq and hash linkage.
	chain2, err := NewChain(ctx, store, "resume", WithClock(fixedClock()))
	require.NoError(t, err)
	_, err = chain2.Append(ctx, Entry{ActorID: "a", ActionType: "t", Payload: "2"})
	require.NoError(t, err)

	report, err := Verify(ctx, store, "resume", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Pass)
	assert.Equal(t, 2, report.RecordCount)
}

func TestChain_ArchiverReceivesClosedSegment(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	arch := &captureArchiver{}
	chain, err := NewChain(ctx, store, "arch", WithClock(fixedClock()), WithArchiver(arch))
	require.NoError(t, err)

	_, err = chain.Append(ctx, Entry{ActorID: "a", ActionType: "t", Payload: "x"})
	require.NoError(t, err)
	require.NoError(t, chain.Close(ctx))

	require.Len(t, arch.calls, 1)
	assert.Equal(t, "arch", arch.calls[0].chainID)
	assert.Equal(t, 1, arch.calls[0].receipt.RecordCount)
	assert.Len(t, arch.calls[0].lines, 1)
}

type archiveCall struct {
	chainID, segmentID string
	lines              [][]byte
	receipt            *Receipt
}

type captureArchiver struct {
	calls []archiveCall
}

func (a *captureArchiver) ArchiveSegment(_ context.Context, chainID, segmentID string, lines [][]byte, receipt *Receipt) error {
	a.calls = append(a.calls, archiveCall{chainID: chainID, segmentID: segmentID, lines: lines, receipt: receipt})
	return nil
}

func TestFileStore_SegmentAndReceiptAreCoLocated(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	chain, err := NewChain(ctx, store, "loc", WithClock(fixedClock()))
	require.NoError(t, err)
	_, err = chain.Append(ctx, Entry{ActorID: "a", ActionType: "t"})
	require.NoError(t, err)
	require.NoError(t, chain.Close(ctx))

	_, err = os.Stat(filepath.Join(dir, "loc", "seg-00000001.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "loc", "seg-00000001.receipt.json"))
	assert.NoError(t, err)
}
