// Package storage persists call recordings in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"careline_backend/platform/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PresignedURLTTL is the expiration time for download URLs handed to
// dashboard clients.
const PresignedURLTTL = 15 * time.Minute

// AudioService stores call recordings in a MinIO bucket.
type AudioService struct {
	client      *minio.Client
	bucket      string
	maxFileSize int64
}

// NewAudioService creates the audio storage service.
func NewAudioService(cfg config.MinIOConfig) (*AudioService, error) {
	if !cfg.IsMinIOEnabled() {
		return nil, fmt.Errorf("minio is not configured")
	}

	client, err := minio.New(cfg.GetMinIOEndpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.GetMinIOAccessKey(), cfg.GetMinIOSecretKey(), ""),
		Secure: cfg.GetMinIOUseSSL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &AudioService{
		client:      client,
		bucket:      cfg.GetMinioBucketCallAudio(),
		maxFileSize: cfg.GetMinIOMaxFileSize(),
	}, nil
}

// EnsureBucketExists creates the call-audio bucket if it doesn't exist.
// Called once at startup.
func (s *AudioService) EnsureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// StoreCallAudio decodes inline base64 audio and uploads it keyed by the
// provider call ID. Re-uploads for the same call overwrite the object, so
// duplicate audio deliveries converge on one recording.
func (s *AudioService) StoreCallAudio(ctx context.Context, providerCallID, audioBase64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return "", fmt.Errorf("decode audio payload: %w", err)
	}
	if s.maxFileSize > 0 && int64(len(data)) > s.maxFileSize {
		return "", fmt.Errorf("audio payload exceeds %d bytes", s.maxFileSize)
	}

	key := objectKey(providerCallID)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "audio/mpeg",
	})
	if err != nil {
		return "", fmt.Errorf("upload call audio: %w", err)
	}

	return fmt.Sprintf("minio://%s/%s", s.bucket, key), nil
}

// GenerateDownloadURL creates a presigned GET URL for a stored recording.
func (s *AudioService) GenerateDownloadURL(ctx context.Context, providerCallID string) (string, error) {
	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", providerCallID+".mp3"))

	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey(providerCallID), PresignedURLTTL, params)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned download URL: %w", err)
	}
	return presigned.String(), nil
}

func objectKey(providerCallID string) string {
	return "recordings/" + providerCallID + ".mp3"
}
