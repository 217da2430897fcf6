package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store persists segments and receipts. Segments and their receipts must be
// co-locatable so Verify can pair them without a side index.
type Store interface {
	// AppendRecord appends one marshaled record line to the given segment.
	AppendRecord(ctx context.Context, chainID, segmentID string, rec *Record) error

	// WriteReceipt persists the receipt for a closed segment.
	WriteReceipt(ctx context.Context, chainID string, receipt *Receipt) error

	// ListSegments returns segment ids in append order.
	ListSegments(ctx context.Context, chainID string) ([]string, error)

	// ReadSegmentRaw returns the raw record lines of a segment, in order.
	ReadSegmentRaw(ctx context.Context, chainID, segmentID string) ([][]byte, error)

	// ReadReceipt returns the receipt for a segment, or nil if none exists.
	ReadReceipt(ctx context.Context, chainID, segmentID string) (*Receipt, error)
}

const (
	segmentExt = ".log"
	receiptExt = ".receipt.json"
)

// FileStore keeps one JSONL file per segment plus a sibling receipt file,
// under root/<chain_id>/.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, &StorageError{Op: "mkdir", Err: err}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) chainDir(chainID string) string {
	return filepath.Join(s.root, chainID)
}

func (s *FileStore) AppendRecord(ctx context.Context, chainID, segmentID string, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.chainDir(chainID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	f, err := os.OpenFile(filepath.Join(dir, segmentID+segmentExt), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	if err := f.Sync(); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

func (s *FileStore) WriteReceipt(ctx context.Context, chainID string, receipt *Receipt) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "receipt", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return &StorageError{Op: "receipt", Err: err}
	}
	path := filepath.Join(s.chainDir(chainID), receipt.SegmentID+receiptExt)
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return &StorageError{Op: "receipt", Err: err}
	}
	return nil
}

func (s *FileStore) ListSegments(ctx context.Context, chainID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	entries, err := os.ReadDir(s.chainDir(chainID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Err: err}
	}
	var segments []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, segmentExt) && !strings.HasSuffix(name, receiptExt) {
			segments = append(segments, strings.TrimSuffix(name, segmentExt))
		}
	}
	// Segment ids are zero-padded sequence numbers; lexical order is append
	// order.
	sort.Strings(segments)
	return segments, nil
}

func (s *FileStore) ReadSegmentRaw(ctx context.Context, chainID, segmentID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	f, err := os.Open(filepath.Join(s.chainDir(chainID), segmentID+segmentExt))
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	defer func() { _ = f.Close() }()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte{}, line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	return lines, nil
}

func (s *FileStore) ReadReceipt(ctx context.Context, chainID, segmentID string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "receipt", Err: err}
	}
	raw, err := os.ReadFile(filepath.Join(s.chainDir(chainID), segmentID+receiptExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "receipt", Err: err}
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &StorageError{Op: "receipt", Err: fmt.Errorf("receipt %s corrupt: %w", segmentID, err)}
	}
	return &r, nil
}
