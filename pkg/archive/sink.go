package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// OpenSink picks a sink from a URL:
//
//	file:///var/lib/governor/archive  or a bare path
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
//	gs://bucket/prefix                (requires the gcp build tag)
func OpenSink(ctx context.Context, raw string) (Sink, error) {
	if raw == "" {
		return nil, fmt.Errorf("archive url is empty")
	}
	if !strings.Contains(raw, "://") {
		return NewFileSink(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid archive url: %w", err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	switch u.Scheme {
	case "file":
		return NewFileSink(u.Path)
	case "s3":
		region := u.Query().Get("region")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3SinkConfig{
			Bucket:   u.Host,
			Region:   region,
			Endpoint: u.Query().Get("endpoint"),
			Prefix:   prefix,
		})
	case "gs":
		return newGCSSink(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("unsupported archive scheme: %s", u.Scheme)
	}
}

// FileSink writes objects into a directory.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Put writes through a temp file and rename so readers never see partial objects.
func (s *FileSink) Put(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name != filepath.Base(name) {
		return fmt.Errorf("invalid object name %q", name)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

func (s *FileSink) Close() error { return nil }

// S3SinkConfig holds configuration for S3Sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// S3Sink writes objects to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Put(ctx context.Context, name string, data []byte) error {
	contentType := "application/x-ndjson"
	if strings.HasSuffix(name, ".json") {
		contentType = "application/json"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *S3Sink) Close() error { return nil }
