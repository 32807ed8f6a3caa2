package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"boardroom-orchestrator/internal/domain"
)

// MinioArchive keeps the final WorkflowState of every closed decision as a JSON object.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

func NewMinioArchive(endpoint, accessKey, secretKey string, useSSL bool, bucket string) (*MinioArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &MinioArchive{client: client, bucket: bucket}, nil
}

// SnapshotKey is the object key for a decision's run snapshot at a given version.
func SnapshotKey(decisionID string, version int64) string {
	return path.Join("decisions", decisionID, fmt.Sprintf("run-%06d.json", version))
}

func (m *MinioArchive) ArchiveRun(ctx context.Context, state domain.WorkflowState) (string, error) {
	content, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode run: %w", err)
	}
	objectKey := SnapshotKey(state.DecisionID, state.Version)
	_, err = m.client.PutObject(ctx, m.bucket, objectKey, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return objectKey, nil
}
