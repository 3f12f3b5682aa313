package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Default OPA client settings.
const (
	DefaultOPAURL       = "http://localhost:8181"
	DefaultDecisionPath = "baton/allow"
	DefaultOPATimeout   = 5 * time.Second
)

// OPA evaluates decisions against an Open Policy Agent data API endpoint.
// The decision document is posted as {"input": ...} to
// {BaseURL}/v1/data/{DecisionPath}.
type OPA struct {
	baseURL      string
	decisionPath string
	client       *http.Client
}

// OPAOption customizes the OPA evaluator.
type OPAOption func(*OPA)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OPAOption {
	return func(o *OPA) { o.client = c }
}

// WithDecisionPath sets the OPA data path queried for decisions.
func WithDecisionPath(path string) OPAOption {
	return func(o *OPA) { o.decisionPath = strings.Trim(path, "/") }
}

// NewOPA creates an OPA evaluator. An empty baseURL falls back to the local
// default agent address.
func NewOPA(baseURL string, opts ...OPAOption) *OPA {
	if baseURL == "" {
		baseURL = DefaultOPAURL
	}
	o := &OPA{
		baseURL:      strings.TrimRight(baseURL, "/"),
		decisionPath: DefaultDecisionPath,
		client:       &http.Client{Timeout: DefaultOPATimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// opaResult is the response envelope of the OPA data API. The result may be
// a bare boolean or an {allow: bool} document; both forms are accepted.
type opaResult struct {
	Result json.RawMessage `json:"result"`
}

// Evaluate posts the decision document and unwraps the allow decision.
// Transport failures and non-2xx responses are returned as errors; the
// caller decides whether an unreachable evaluator implies deny or allow.
func (o *OPA) Evaluate(ctx context.Context, input Input) (bool, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("marshal decision input: %w", err)
	}

	url := fmt.Sprintf("%s/v1/data/%s", o.baseURL, o.decisionPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build OPA request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query OPA: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("query OPA: unexpected status %d", resp.StatusCode)
	}

	var envelope opaResult
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false, fmt.Errorf("decode OPA response: %w", err)
	}
	return unwrapAllow(envelope.Result)
}

// unwrapAllow accepts a bare boolean result or an {allow: bool} document.
// A document missing the allow key defaults to true, matching the OPA
// convention of undefined-means-default.
func unwrapAllow(result json.RawMessage) (bool, error) {
	if len(result) == 0 {
		return false, fmt.Errorf("decode OPA response: empty result")
	}

	var allowed bool
	if err := json.Unmarshal(result, &allowed); err == nil {
		return allowed, nil
	}

	var doc struct {
		Allow *bool `json:"allow"`
	}
	if err := json.Unmarshal(result, &doc); err != nil {
		return false, fmt.Errorf("decode OPA result: %w", err)
	}
	if doc.Allow == nil {
		return true, nil
	}
	return *doc.Allow, nil
}
