package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/makeasinger/rhythmdeck/internal/config"
)

// ObjectPutter is the subset of the S3 API used to mirror artifacts.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2Client mirrors finished artifacts to Cloudflare R2 (or any S3 bucket).
type R2Client struct {
	s3Client   ObjectPutter
	bucketName string
	publicURL  string
}

// NewR2Client creates a new R2 storage client
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return NewR2ClientWith(s3Client, cfg.BucketName, cfg.PublicURL), nil
}

// NewR2ClientWith wraps an existing S3 API client.
func NewR2ClientWith(s3Client ObjectPutter, bucketName, publicURL string) *R2Client {
	return &R2Client{
		s3Client:   s3Client,
		bucketName: bucketName,
		publicURL:  strings.TrimRight(publicURL, "/"),
	}
}

// Mirror uploads the artifact at path under <project>/<file name> and
// returns its public URL.
func (c *R2Client) Mirror(ctx context.Context, project, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := ObjectKey(project, filepath.Base(path))
	if err := c.Upload(ctx, key, f, "audio/wav"); err != nil {
		return "", err
	}
	return c.GetPublicURL(key), nil
}

// Upload uploads body under key.
func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}

// GetPublicURL returns the public CDN URL for a key
func (c *R2Client) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s", c.bucketName, key)
}

// ObjectKey builds the bucket key of an artifact.
func ObjectKey(project, name string) string {
	return fmt.Sprintf("artifacts/%s/%s", project, name)
}
