// Copyright (c) 2025 HDOps, Inc. All rights reserved.

// Package archive uploads run artifacts (ledger files and the run
// report) to S3 after a migration run completes.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/hdops/ticket-migration-tool/internal/config"
	"github.com/hdops/ticket-migration-tool/internal/util"
)

const (
	// Part sizing for multipart uploads of large ledger files.
	uploadPartSize    = 10 * 1024 * 1024
	uploadConcurrency = 3

	maxUploadRetries  = 5
	initialRetryDelay = 1 * time.Second
)

// Archiver uploads run artifacts to the configured bucket.
type Archiver struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      config.ArchiveConfig
	logger   *zap.Logger
}

// NewArchiver builds an Archiver. Explicitly configured credentials are
// applied first; otherwise the SDK default chain is used. A custom
// endpoint can be supplied via AWS_ENDPOINT_URL for localstack testing.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	util.LoadAWSCredentials(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSSessionToken)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
			logger.Info("Using custom S3 endpoint", zap.String("endpoint", endpoint))
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
		u.Concurrency = uploadConcurrency
	})

	return &Archiver{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ArchiveRun uploads every file in files plus the report under
// <prefix>/<runID>/. Failures on one file do not stop the others; the
// first error is returned after all files are attempted.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string, files []string) error {
	var firstErr error
	for _, f := range files {
		key := path.Join(a.cfg.S3Prefix, runID, filepath.Base(f))
		if err := a.uploadWithRetry(ctx, f, key); err != nil {
			a.logger.Error("Archive upload failed",
				zap.String("file", f),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Archiver) upload(ctx context.Context, filePath, key string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file info: %w", err)
	}

	a.logger.Info("Uploading file to S3",
		zap.String("file", filePath),
		zap.String("s3_key", key),
		zap.Int64("size", info.Size()))

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	a.logger.Info("File uploaded successfully",
		zap.String("s3_key", key),
		zap.Int64("size", info.Size()))
	return nil
}

func (a *Archiver) uploadWithRetry(ctx context.Context, filePath, key string) error {
	var lastErr error
	delay := initialRetryDelay

	for attempt := 1; attempt <= maxUploadRetries; attempt++ {
		err := a.upload(ctx, filePath, key)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxUploadRetries {
			a.logger.Warn("Upload failed, retrying",
				zap.String("file", filePath),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxUploadRetries),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("upload failed after %d attempts: %w", maxUploadRetries, lastErr)
}
