package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds one oracle round trip.
const DefaultTimeout = 30 * time.Second

// StatusError is a non-200 response from the oracle service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether a failed call may succeed later. Only a
// StatusError outside 429 and 5xx is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// HTTPClient talks to a JSON oracle service.
//
// Single requests POST {"prompt", "request"} to URL and expect {"answer"}.
// Batches POST {"prompts", "requests"} to URL+"/batch" and expect
// {"answers"} with one answer per request.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client. Its Timeout is kept.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = hc
	}
}

// NewHTTPClient creates a client for the oracle at url.
func NewHTTPClient(url, apiKey string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type singleRequest struct {
	Prompt  string  `json:"prompt"`
	Request Request `json:"request"`
}

type singleResponse struct {
	Answer string `json:"answer"`
}

type batchRequest struct {
	Prompts  []string  `json:"prompts"`
	Requests []Request `json:"requests"`
}

type batchResponse struct {
	Answers []string `json:"answers"`
}

// Verify implements Oracle.
func (c *HTTPClient) Verify(ctx context.Context, req Request) (Verdict, error) {
	var res singleResponse
	if err := c.post(ctx, c.url, singleRequest{Prompt: Prompt(req), Request: req}, &res); err != nil {
		return nil, err
	}
	return ParseVerdict(res.Answer, len(req.Candidates)), nil
}

// VerifyBatch implements BatchOracle. A response with the wrong number of
// answers is an error.
func (c *HTTPClient) VerifyBatch(ctx context.Context, reqs []Request) ([]Verdict, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	body := batchRequest{Requests: reqs, Prompts: make([]string, len(reqs))}
	for i, r := range reqs {
		body.Prompts[i] = Prompt(r)
	}

	var res batchResponse
	if err := c.post(ctx, c.url+"/batch", body, &res); err != nil {
		return nil, err
	}
	if len(res.Answers) != len(reqs) {
		return nil, fmt.Errorf("oracle batch: got %d answers for %d requests", len(res.Answers), len(reqs))
	}

	out := make([]Verdict, len(reqs))
	for i, a := range res.Answers {
		out[i] = ParseVerdict(a, len(reqs[i].Candidates))
	}
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: res.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
