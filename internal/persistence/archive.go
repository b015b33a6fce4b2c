package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver copies encoded snapshots to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, sequence int64, data []byte) (string, error)
}

// objectStore is the subset of *minio.Client the archive needs.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver stores snapshots as snapshots/{sequence}.json objects.
type MinioArchiver struct {
	store  objectStore
	bucket string
}

// NewMinioClient connects to an S3-compatible endpoint with static keys.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return client, nil
}

// NewMinioArchiver creates the bucket if it does not exist.
func NewMinioArchiver(ctx context.Context, client *minio.Client, bucket string) (*MinioArchiver, error) {
	return newMinioArchiver(ctx, client, bucket)
}

func newMinioArchiver(ctx context.Context, store objectStore, bucket string) (*MinioArchiver, error) {
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioArchiver{store: store, bucket: bucket}, nil
}

// SnapshotKey is the object name of the snapshot at sequence. Zero padding
// keeps lexical and numeric order equal.
func SnapshotKey(sequence int64) string {
	return fmt.Sprintf("snapshots/%020d.json", sequence)
}

func (a *MinioArchiver) Archive(ctx context.Context, sequence int64, data []byte) (string, error) {
	key := SnapshotKey(sequence)
	_, err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}
