package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"cloud.google.com/go/storage"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
)

// GCSArchiver mirrors closed segments and receipts into a GCS bucket with
// the same layout as S3Archiver.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchiver builds a client from ambient application-default
// credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

// NewGCSArchiverWithClient injects a preconfigured client (tests, emulator
// endpoints).
func NewGCSArchiverWithClient(client *storage.Client, bucket, prefix string) *GCSArchiver {
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *GCSArchiver) ArchiveSegment(ctx context.Context, chainID, segmentID string, lines [][]byte, receipt *audit.Receipt) error {
	body := bytes.Join(lines, []byte("\n"))
	if len(body) > 0 {
		body = append(body, '\n')
	}
	if err := a.write(ctx, path.Join(a.prefix, chainID, segmentID+".log"), body); err != nil {
		return err
	}
	raw, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	return a.write(ctx, path.Join(a.prefix, chainID, segmentID+".receipt.json"), raw)
}

func (a *GCSArchiver) write(ctx context.Context, object string, data []byte) error {
	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("objstore: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objstore: close %s: %w", object, err)
	}
	return nil
}

// Close releases the underlying client.
func (a *GCSArchiver) Close() error { return a.client.Close() }
