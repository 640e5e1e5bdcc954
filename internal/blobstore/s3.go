// Package blobstore keeps raw challenge frames in S3.
package blobstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/logging"
)

// FrameKey is the object key of the frame captured at timestamp.
func FrameKey(challengeID string, timestamp int64) string {
	return fmt.Sprintf("%s/%d.jpg", challengeID, timestamp)
}

// S3Store writes frames to a single bucket.
type S3Store struct {
	client s3iface.S3API
	bucket string
	logger *zap.Logger
}

// NewS3Store wraps an S3 client.
func NewS3Store(client s3iface.S3API, bucket string, logger *zap.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, logger: logger.Named("blobstore")}
}

// Bucket returns the bucket frames are written to.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// PutFrame uploads data under key.
func (s *S3Store) PutFrame(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		wrapped := logging.NewOperationError("blobstore.put_frame", "", err)
		s.logger.Error("frame upload failed", zap.Error(wrapped), zap.String("key", key))
		return wrapped
	}
	return nil
}
