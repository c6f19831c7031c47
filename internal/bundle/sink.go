package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink is an optional destination a finished bundle archive can be pushed
// to after BuildArchive returns, mirroring the "mirror/upload" external
// collaborator named alongside the pipeline proper. The core assembly
// algorithm never depends on one; cmd/mapterhornd wires an S3Sink in only
// behind its own --upload-bucket flag.
type Sink interface {
	Upload(ctx context.Context, localPath, key string) error
}

// S3Config names the bucket an S3Sink uploads to and, for S3-compatible
// object stores (R2, MinIO) that don't resolve from a region alone, the
// endpoint to talk to.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Sink uploads bundle archives to S3 or an S3-compatible store using the
// AWS SDK's managed uploader, the same client shape
// mumuon-tile-service/s3.go uses for tile mirroring.
type S3Sink struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Sink builds an S3Sink from ambient AWS credentials (environment,
// shared config file, or IAM role) plus the bucket/endpoint in cfg.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bundle: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Sink{uploader: manager.NewUploader(client), bucket: cfg.Bucket}, nil
}

// Upload streams the archive at localPath to s3://bucket/key.
func (s *S3Sink) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("bundle: opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	slog.Info("uploading bundle archive", "path", localPath, "bucket", s.bucket, "key", key)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("bundle: uploading %s to s3://%s/%s: %w", localPath, s.bucket, key, err)
	}
	return nil
}
