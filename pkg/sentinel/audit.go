package sentinel

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/mindburn-labs/loom/pkg/bus"
	"github.com/mindburn-labs/loom/pkg/envelope"
)

// CSVAuditSink appends RFC 4180 rows to a file, one per Track call. It is
// the simplest of the two sinks spec §6 permits and is safe for
// concurrent Write calls even though the sentinel itself serializes them.
type CSVAuditSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

var auditColumns = []string{"team_id", "timestamp", "agent", "tokens", "credits", "wall_time_ms", "tool", "verdict"}

// NewCSVAuditSink opens (or creates) path for append and writes the header
// row if the file is new.
func NewCSVAuditSink(path string) (*CSVAuditSink, error) {
	fresh := false
	if _, err := os.Stat(path); err != nil {
		fresh = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sentinel: open audit csv: %w", err)
	}

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(auditColumns); err != nil {
			f.Close()
			return nil, fmt.Errorf("sentinel: write audit csv header: %w", err)
		}
		w.Flush()
	}

	return &CSVAuditSink{path: path, f: f, w: w}, nil
}

// Write implements AuditSink.
func (s *CSVAuditSink) Write(r AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		r.TeamID,
		r.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		r.Agent,
		strconv.FormatInt(r.Tokens, 10),
		strconv.FormatInt(r.Credits, 10),
		strconv.FormatInt(r.WallTimeMs, 10),
		r.Tool,
		string(r.Verdict),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("sentinel: write audit row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the underlying file.
func (s *CSVAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}

// TopicAuditSink publishes every audit record as a checkpoint-typed
// envelope on a dedicated bus topic — the "streaming variant... preferred
// for production" of spec §4.3, and the only variant the spec requires to
// be concurrency-safe, which it is: Bus.Publish is safe for concurrent
// callers.
type TopicAuditSink struct {
	b       bus.Bus
	topic   string
	builder *envelope.Builder
}

// NewTopicAuditSink publishes audit records as checkpoint envelopes from a
// synthetic "sentinel" producer onto topic.
func NewTopicAuditSink(b bus.Bus, topic string) *TopicAuditSink {
	return &TopicAuditSink{b: b, topic: topic, builder: envelope.NewBuilder("sentinel")}
}

// Write implements AuditSink.
func (s *TopicAuditSink) Write(r AuditRecord) error {
	e, err := s.builder.New(envelope.TypeCheckpoint, r, envelope.Meta{
		SessionID:   r.Agent,
		CreditsUsed: r.Credits,
	}, nil)
	if err != nil {
		return fmt.Errorf("sentinel: build audit envelope: %w", err)
	}
	return s.b.Publish(context.Background(), s.topic, e)
}

var (
	_ AuditSink = (*CSVAuditSink)(nil)
	_ AuditSink = (*TopicAuditSink)(nil)
)
