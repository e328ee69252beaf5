// Package archive writes pruned rows to object storage before deletion.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/trustmeter/internal/config"
)

// Archiver stores a batch of rows and returns the object key.
type Archiver interface {
	Archive(ctx context.Context, table string, at time.Time, rows []map[string]any) (string, error)
}

// ObjectPutter is the subset of the S3 client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3Archiver(client ObjectPutter, bucket, prefix string) (*S3Archiver, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive bucket is required")
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// NewFromConfig builds an S3 archiver, or nil when archiving is disabled.
func NewFromConfig(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	// Static keys are for S3-compatible stores; otherwise the default chain applies.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
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
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix)
}

// Archive writes rows as gzip-compressed JSON lines.
func (a *S3Archiver) Archive(ctx context.Context, table string, at time.Time, rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	body, err := encodeJSONL(rows)
	if err != nil {
		return "", err
	}

	at = at.UTC()
	key := path.Join(a.prefix, table, at.Format("2006/01/02"), ulid.Make().String()+".jsonl.gz")
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"table": table,
			"rows":  fmt.Sprintf("%d", len(rows)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func encodeJSONL(rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
