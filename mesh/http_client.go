package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultSubmitTimeout is the default HTTP request timeout for submissions.
	DefaultSubmitTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 1 MB.
	maxResponseBytes = 1 << 20

	// submitPath is the coordinator endpoint for reference submissions
	submitPath = "/submit"
)

// SubmitOption configures SubmitToCoordinator behavior.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultSubmitConfig() submitConfig {
	return submitConfig{
		timeout:     DefaultSubmitTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(c *submitConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) SubmitOption {
	return func(c *submitConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) SubmitOption {
	return func(c *submitConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) SubmitOption {
	return func(c *submitConfig) {
		c.client = client
	}
}

// SubmissionRejectedError is returned when the coordinator refuses a
// submission. It unwraps to ErrGarbageSubmission or ErrMalformedSubmission.
type SubmissionRejectedError struct {
	Status  int
	Message string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("coordinator rejected submission (status %d): %s", e.Status, e.Message)
}

func (e *SubmissionRejectedError) Unwrap() error {
	if strings.Contains(e.Message, ErrGarbageSubmission.Error()) {
		return ErrGarbageSubmission
	}
	return ErrMalformedSubmission
}

// SubmitToCoordinator posts sub to the coordinator at baseURL and returns the
// submitter's correction offset. Transient failures are retried with
// exponential backoff; resubmitting is idempotent on the coordinator side.
// Rejections (4xx) are not retried.
//
// The baseURL is the coordinator root, e.g. "http://coordinator.local:8080".
func SubmitToCoordinator(ctx context.Context, baseURL string, sub ReferenceSubmission, opts ...SubmitOption) (CorrectionOffset, error) {
	if baseURL == "" {
		return CorrectionOffset{}, fmt.Errorf("submit: coordinator URL is empty")
	}

	cfg := defaultSubmitConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return CorrectionOffset{}, fmt.Errorf("submit: marshaling submission: %w", err)
	}
	url := strings.TrimSuffix(baseURL, "/") + submitPath

	var lastErr error
	for attempt := 0; attempt < cfg.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return CorrectionOffset{}, fmt.Errorf("submit: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		respBody, err := doSubmit(ctx, client, url, body)
		if err != nil {
			var rejected *SubmissionRejectedError
			if errors.As(err, &rejected) {
				return CorrectionOffset{}, fmt.Errorf("submit: %w", err)
			}
			lastErr = err
			continue
		}

		var offset CorrectionOffset
		if err := json.Unmarshal(respBody, &offset); err != nil {
			// Parse errors are not transient; do not retry.
			return CorrectionOffset{}, fmt.Errorf("submit: parsing offset: %w", err)
		}
		return offset, nil
	}

	return CorrectionOffset{}, fmt.Errorf("submit: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// doSubmit performs a single HTTP POST and returns the response body bytes.
func doSubmit(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &SubmissionRejectedError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP POST %s: status %d", url, resp.StatusCode)
	}
	return respBody, nil
}
