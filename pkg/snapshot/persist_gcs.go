//go:build gcp

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSPersisterConfig mirrors S3PersisterConfig's bucket/prefix shape for
// deployments that keep snapshots in Google Cloud Storage instead of S3 —
// the two are alternative Persister backends behind the same interface,
// never both compiled in (this file carries the same `gcp` build tag the
// teacher's artifact store uses to keep the GCS client out of default
// builds).
type GCSPersisterConfig struct {
	Bucket string
	Prefix string
}

// GCSPersister stores SessionSummary snapshots in GCS, keyed by their own
// ContextHash, the same content-addressed idempotency discipline as
// S3Persister.
type GCSPersister struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSPersister builds a GCSPersister using Application Default
// Credentials, the same client construction the teacher's GCSStore uses.
func NewGCSPersister(ctx context.Context, cfg GCSPersisterConfig) (*GCSPersister, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create gcs client: %w", err)
	}
	return &GCSPersister{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *GCSPersister) key(contextHash string) string {
	raw := strings.TrimPrefix(contextHash, "sha256:")
	return p.prefix + raw + ".json"
}

// Put uploads s's JSON encoding keyed by s.ContextHash, skipping the
// upload if an object under that key already exists.
func (p *GCSPersister) Put(ctx context.Context, s *SessionSummary) error {
	if s.ContextHash == "" {
		return fmt.Errorf("snapshot: cannot persist summary with empty context hash")
	}

	obj := p.client.Bucket(p.bucket).Object(p.key(s.ContextHash))
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("snapshot: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshot: gcs close: %w", err)
	}
	return nil
}

// Get retrieves a previously persisted summary by its context hash.
func (p *GCSPersister) Get(ctx context.Context, contextHash string) (*SessionSummary, error) {
	r, err := p.client.Bucket(p.bucket).Object(p.key(contextHash)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: gcs get %s: %w", contextHash, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
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
func (p *GCSPersister) Exists(ctx context.Context, contextHash string) (bool, error) {
	_, err := p.client.Bucket(p.bucket).Object(p.key(contextHash)).Attrs(ctx)
	return err == nil, nil
}
