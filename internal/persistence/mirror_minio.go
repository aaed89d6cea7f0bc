package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

// MinioMirrorConfig configures an off-box object-storage mirror of persisted
// records, additive to the file-layout-is-the-API contract: the local
// directory tree remains authoritative and is never read through the
// mirror, only written to it.
type MinioMirrorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioMirror writes a copy of every stored/updated record to an
// S3-compatible bucket (MinIO, Garage, AWS S3). It never participates in
// reads: Store's atomic file write is the source of truth, and the mirror
// is best-effort — a mirror failure is logged by the caller, not returned
// as a Store failure.
type MinioMirror struct {
	client *minio.Client
	bucket string
}

// NewMinioMirror connects to an S3-compatible endpoint and ensures the
// configured bucket exists.
func NewMinioMirror(ctx context.Context, cfg MinioMirrorConfig) (*MinioMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioMirror{client: client, bucket: cfg.Bucket}, nil
}

// objectKey mirrors the local file layout inside the bucket, so the two
// trees stay structurally identical.
func objectKey(kind models.RecordKind, recordID string) string {
	return fmt.Sprintf("%s/%s.json", kind, recordID)
}

// Put uploads record as a JSON object. Safe to call concurrently.
func (m *MinioMirror) Put(ctx context.Context, record models.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record for mirror: %w", err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, objectKey(record.Kind, record.RecordID),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("uploading mirrored record: %w", err)
	}
	return nil
}

// Delete removes the mirrored copy of a record, if present.
func (m *MinioMirror) Delete(ctx context.Context, kind models.RecordKind, recordID string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(kind, recordID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing mirrored record: %w", err)
	}
	return nil
}
