// Package objstore provides cold-storage archivers for closed audit
// segments. The local store stays authoritative; archives exist so a segment
// and its receipt survive loss of the local disk.
package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roundtable-labs/roundtable/core/pkg/audit"
)

// S3Archiver writes closed segments and receipts to an S3 bucket under
// <prefix>/<chain_id>/<segment_id>{.log,.receipt.json}, mirroring the local
// file layout so verify tooling can pair them.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds a client from the ambient AWS configuration.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewS3ArchiverWithClient injects a preconfigured client (tests, custom
// endpoints).
func NewS3ArchiverWithClient(client *s3.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) ArchiveSegment(ctx context.Context, chainID, segmentID string, lines [][]byte, receipt *audit.Receipt) error {
	body := bytes.Join(lines, []byte("\n"))
	if len(body) > 0 {
		body = append(body, '\n')
	}
	segKey := path.Join(a.prefix, chainID, segmentID+".log")
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(segKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		return fmt.Errorf("objstore: put segment %s: %w", segKey, err)
	}

	raw, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	rcptKey := path.Join(a.prefix, chainID, segmentID+".receipt.json")
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(rcptKey),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("objstore: put receipt %s: %w", rcptKey, err)
	}
	return nil
}
