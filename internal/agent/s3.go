package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the subset of the S3 client S3Transfer needs.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Transfer fetches sources from and uploads logs to an S3 bucket.
// References have the form s3://bucket/key; bare keys resolve against the
// configured bucket.
type S3Transfer struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Transfer creates an S3Transfer using the default AWS credential chain.
func NewS3Transfer(ctx context.Context, cfg S3Config) (*S3Transfer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Transfer(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Transfer(client s3API, bucket, prefix string) *S3Transfer {
	return &S3Transfer{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// parseRef splits a reference into bucket and key.
func (t *S3Transfer) parseRef(ref string) (string, string, error) {
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", fmt.Errorf("invalid s3 reference %q", ref)
		}
		return bucket, key, nil
	}
	key := strings.TrimPrefix(ref, "/")
	if key == "" {
		return "", "", fmt.Errorf("empty reference")
	}
	if t.prefix != "" {
		key = path.Join(t.prefix, key)
	}
	return t.bucket, key, nil
}

// Download reads an object.
func (t *S3Transfer) Download(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := t.parseRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Upload writes a job's log to <prefix>/logs/<job_id>/device.log.
func (t *S3Transfer) Upload(ctx context.Context, jobID string, data []byte) (string, error) {
	key := path.Join("logs", jobID, "device.log")
	if t.prefix != "" {
		key = path.Join(t.prefix, key)
	}
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s/%s: %w", t.bucket, key, err)
	}
	return "s3://" + t.bucket + "/" + key, nil
}
