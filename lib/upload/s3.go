// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stratumfs/stratum/lib/objectid"
)

// s3NumTasks is the worker count for the S3 backend. Uploads are
// network bound, so a handful of concurrent PUTs pays off.
const s3NumTasks = 4

// S3Driver stores objects in an S3 compatible bucket. Streamed
// uploads spool to the temp directory and PUT on commit; S3 has no
// append, and spooling keeps retries cheap.
type S3Driver struct {
	client  *s3.Client
	bucket  string
	tempDir string
	logger  *slog.Logger
}

// NewS3Driver builds a client for the configured endpoint. A custom
// endpoint switches to path-style addressing, which is what MinIO and
// friends expect.
func NewS3Driver(ctx context.Context, cfg S3Config, tempDir string, logger *slog.Logger) (*S3Driver, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: creating temp directory: %w", err)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("upload: loading s3 credentials: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Driver{
		client:  client,
		bucket:  cfg.Bucket,
		tempDir: tempDir,
		logger:  logger,
	}, nil
}

func (d *S3Driver) Name() string  { return "s3" }
func (d *S3Driver) NumTasks() int { return s3NumTasks }

func (d *S3Driver) FileUpload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening upload source: %w", err)
	}
	defer src.Close()
	return d.put(ctx, remotePath, src)
}

func (d *S3Driver) InitStream(handle *StreamHandle) error {
	tmp, err := os.CreateTemp(d.tempDir, "stream-*")
	if err != nil {
		return fmt.Errorf("opening stream spool file: %w", err)
	}
	handle.State = &localStream{file: tmp}
	return nil
}

func (d *S3Driver) StreamedUpload(ctx context.Context, handle *StreamHandle, buffer []byte) error {
	st := handle.State.(*localStream)
	if _, err := st.file.Write(buffer); err != nil {
		return fmt.Errorf("spooling stream buffer: %w", err)
	}
	return nil
}

func (d *S3Driver) FinalizeStream(ctx context.Context, handle *StreamHandle, id objectid.ObjectID) error {
	st := handle.State.(*localStream)
	handle.State = nil
	defer os.Remove(st.file.Name())
	defer st.file.Close()
	if _, err := st.file.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding stream spool file: %w", err)
	}
	return d.put(ctx, id.StoragePath(), st.file)
}

// Remove is idempotent by S3 semantics: deleting a missing key
// succeeds.
func (d *S3Driver) Remove(ctx context.Context, remotePath string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return fmt.Errorf("removing s3 object %s: %w", remotePath, err)
	}
	return nil
}

func (d *S3Driver) Peek(ctx context.Context, remotePath string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("probing s3 object %s: %w", remotePath, err)
	}
	return true, nil
}

func (d *S3Driver) PlaceBootstrapShortcut(ctx context.Context, id objectid.ObjectID) error {
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(id.String()),
		CopySource: aws.String(d.bucket + "/" + id.StoragePath()),
	})
	if err != nil {
		return fmt.Errorf("placing bootstrap shortcut for %s: %w", id, err)
	}
	return nil
}

func (d *S3Driver) put(ctx context.Context, key string, body *os.File) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("uploading s3 object %s: %w", key, err)
	}
	return nil
}
