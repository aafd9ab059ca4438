package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3PersisterConfig mirrors the artifact store's bucket/region/endpoint
// shape: a custom Endpoint with path-style addressing lets this run
// against MinIO or LocalStack in tests, not only real S3.
type S3PersisterConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Persister stores SessionSummary snapshots in S3, keyed by their own
// ContextHash so a re-submitted identical snapshot is a no-op PUT rather
// than a duplicate object.
type S3Persister struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Persister builds an S3Persister from cfg.
func NewS3Persister(ctx context.Context, cfg S3PersisterConfig) (*S3Persister, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Persister{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (p *S3Persister) key(contextHash string) string {
	raw := strings.TrimPrefix(contextHash, "sha256:")
	return p.prefix + raw + ".json"
}

// Put uploads s's JSON encoding keyed by s.ContextHash, skipping the
// upload if an object under that key already exists — a snapshot's
// content hash determines its key, so existence means the bytes already
// match.
func (p *S3Persister) Put(ctx context.Context, s *SessionSummary) error {
	if s.ContextHash == "" {
		return fmt.Errorf("snapshot: cannot persist summary with empty context hash")
	}

	key := p.key(s.ContextHash)

	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("snapshot: s3 put: %w", err)
	}
	return nil
}

// Get retrieves a previously persisted summary by its context hash.
func (p *S3Persister) Get(ctx context.Context, contextHash string) (*SessionSummary, error) {
	key := p.key(contextHash)

	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: s3 get %s: %w", contextHash, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read body: %w", err)
	}

	var s SessionSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &s, nil
}

// Exists reports whether a summary with the given context hash has
// already been persisted.
func (p *S3Persister) Exists(ctx context.Context, contextHash string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(contextHash)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}
