// Package storage moves input and output documents between S3 and local disk.
package storage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Client downloads inputs from and uploads outputs to S3.
type S3Client struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// S3Options configure the client. Zero values use the default AWS chain.
type S3Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint points at an S3-compatible service such as MinIO.
	Endpoint string
}

// NewS3Client builds an S3 client. Static keys, when both are set, take
// precedence over the default credential chain.
func NewS3Client(ctx context.Context, o S3Options) (*S3Client, error) {
	var opts []func(*awscfg.LoadOptions) error
	if o.Region != "" {
		opts = append(opts, awscfg.WithRegion(o.Region))
	}
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	})
	return &S3Client{
		client:     cli,
		downloader: manager.NewDownloader(cli),
		uploader:   manager.NewUploader(cli),
	}, nil
}

// ParseURL splits s3://bucket/key.
func ParseURL(u string) (bucket, key string, err error) {
	path, ok := strings.CutPrefix(u, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %s", u)
	}
	bucket, key, ok = strings.Cut(path, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url: %s", u)
	}
	return bucket, key, nil
}

// Download fetches an s3:// object into a temp file and returns its path.
func (s *S3Client) Download(ctx context.Context, url string) (string, error) {
	bucket, key, err := ParseURL(url)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "pagesift-in-*.pdf")
	if err != nil {
		return "", err
	}
	defer f.Close()

	n, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to download from S3: %w", err)
	}
	log.Info().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("downloaded s3 pdf to temp")
	return f.Name(), nil
}

// Upload stores localPath at an s3:// URL.
func (s *S3Client) Upload(ctx context.Context, localPath, url string) error {
	bucket, key, err := ParseURL(url)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().Str("bucket", bucket).Str("key", key).Str("location", out.Location).Msg("uploaded pdf to s3")
	return nil
}

// HeadBucket checks that bucket exists and is reachable with the configured credentials.
func (s *S3Client) HeadBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return err
}
