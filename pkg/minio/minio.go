package minio

import (
	"bytes"
	"context"
	"encoding/json"

	"consignment-ledger/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("minio.store", fx.Provide(New))

// Store writes JSON documents into one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to MINIO.ENDPOINT and makes sure the bucket exists. It returns
// a nil Store when no endpoint is configured.
func New(c *config.Config) (*Store, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Info("MinIO endpoint not set, object archiving disabled")
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		zap.L().Error("failed to create MinIO client", zap.Error(err))
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, c.Minio.BucketName)
	if err != nil {
		zap.L().Error("failed to check bucket", zap.String("bucket", c.Minio.BucketName), zap.Error(err))
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, c.Minio.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.String("bucket", c.Minio.BucketName))
	return &Store{client: client, bucket: c.Minio.BucketName}, nil
}

func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}
