// Package audit delivers workflow decision records to an external audit
// service. Delivery is fire-and-forget: the audit trail is advisory and its
// failures must never fail the workflow step that produced the record.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lirancohen/baton/workflow"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Logger defines the logging interface for the sink.
type Logger interface {
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all messages.
type noopLogger struct{}

func (noopLogger) Error(msg string, keysAndValues ...any) {}

// HTTPSink posts decision records as JSON to an audit endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	logger   Logger
}

// SinkOption customizes an HTTPSink.
type SinkOption func(*HTTPSink)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) SinkOption {
	return func(s *HTTPSink) { s.client = c }
}

// WithLogger sets the sink logger. If unset, delivery failures are
// silently dropped.
func WithLogger(l Logger) SinkOption {
	return func(s *HTTPSink) { s.logger = l }
}

// NewHTTPSink creates a sink posting to the given endpoint.
func NewHTTPSink(endpoint string, opts ...SinkOption) *HTTPSink {
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit delivers the record asynchronously. It never blocks and never
// reports failure to the caller; errors are logged and dropped. Emit
// satisfies workflow.DecisionFunc.
func (s *HTTPSink) Emit(record workflow.DecisionRecord) {
	go func() {
		if err := s.post(record); err != nil {
			s.logger.Error("deliver decision record", "node", record.NodeID, "error", err)
		}
	}()
}

// post performs one synchronous delivery attempt.
func (s *HTTPSink) post(record workflow.DecisionRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post decision record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post decision record: unexpected status %d", resp.StatusCode)
	}
	return nil
}
