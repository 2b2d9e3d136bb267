package kiln

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// BucketStore uploads bundles to S3 compatible object storage.
type BucketStore struct {
	Client     *s3.Client
	BucketName string
}

// NewBucketStore builds a client from the KILN_S3_* configuration values.
func NewBucketStore(ctx context.Context, cfg *Config) (*BucketStore, error) {
	endpoint := cfg.Values["KILN_S3_ENDPOINT"]
	bucketName := cfg.Values["KILN_S3_BUCKET"]
	accessKey := cfg.Values["KILN_S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["KILN_S3_SECRET_ACCESS_KEY"]
	region := cfg.Values["KILN_S3_REGION"]
	if region == "" {
		region = "auto"
	}

	if bucketName == "" {
		return nil, fmt.Errorf("bucket missing in configuration (KILN_S3_BUCKET)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if accessKey != "" || secretKey != "" {
		if accessKey == "" || secretKey == "" {
			return nil, fmt.Errorf("both KILN_S3_ACCESS_KEY_ID and KILN_S3_SECRET_ACCESS_KEY must be set")
		}
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	return &BucketStore{Client: client, BucketName: bucketName}, nil
}

// Exists reports whether key is already in the bucket.
func (b *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.BucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

// UploadLocalFile uploads a file from disk.
func (b *BucketStore) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(key, ".b3"), strings.HasSuffix(key, ".txt"):
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}
