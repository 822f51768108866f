package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Query is one external lookup.
type Query struct {
	Text       string
	EntityType string
	Limit      int
}

// Hit is one external search result.
type Hit struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	BirthYear   int    `json:"birth_year,omitempty"`
	DeathYear   int    `json:"death_year,omitempty"`
}

// Searcher queries one endpoint.
type Searcher interface {
	Search(ctx context.Context, ep *Endpoint, q Query) ([]Hit, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, ep *Endpoint, q Query) ([]Hit, error)

// Search calls f.
func (f SearcherFunc) Search(ctx context.Context, ep *Endpoint, q Query) ([]Hit, error) {
	return f(ctx, ep, q)
}

// HTTPSearcher calls GET {endpoint.URL}?q=&type=&limit= and expects
// {"results": [Hit...]}.
type HTTPSearcher struct {
	client *http.Client
	apiKey string
}

// NewHTTPSearcher creates a searcher with a per-request timeout.
func NewHTTPSearcher(apiKey string, timeout time.Duration) *HTTPSearcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSearcher{client: &http.Client{Timeout: timeout}, apiKey: apiKey}
}

type searchResponse struct {
	Results []Hit `json:"results"`
}

// Search implements Searcher. 429 becomes *RateLimitError; network errors
// and 5xx become *TransientError.
func (s *HTTPSearcher) Search(ctx context.Context, ep *Endpoint, q Query) ([]Hit, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %s: %w", ep.Name, err)
	}
	params := u.Query()
	params.Set("q", q.Text)
	if q.EntityType != "" {
		params.Set("type", q.EntityType)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Endpoint: ep.Name, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Endpoint: ep.Name, Err: err}
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Endpoint: ep.Name, RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"))}
	case res.StatusCode >= 500:
		return nil, &TransientError{Endpoint: ep.Name, Err: fmt.Errorf("status %d", res.StatusCode)}
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("search %s: status %d: %s", ep.Name, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", ep.Name, err)
	}
	return out.Results, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// CachedSearcher memoizes successful searches by query, independent of
// which endpoint answered. Errors are never cached.
type CachedSearcher struct {
	next  Searcher
	cache *cache.Cache
}

// NewCachedSearcher wraps next with a TTL cache.
func NewCachedSearcher(next Searcher, ttl time.Duration) *CachedSearcher {
	return &CachedSearcher{next: next, cache: cache.New(ttl, 2*ttl)}
}

// Search implements Searcher.
func (c *CachedSearcher) Search(ctx context.Context, ep *Endpoint, q Query) ([]Hit, error) {
	key := cacheKey(q)
	if v, ok := c.cache.Get(key); ok {
		return v.([]Hit), nil
	}
	hits, err := c.next.Search(ctx, ep, q)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, hits)
	return hits, nil
}

// Cached reports whether q is currently cached.
func (c *CachedSearcher) Cached(q Query) bool {
	_, ok := c.cache.Get(cacheKey(q))
	return ok
}

func cacheKey(q Query) string {
	return q.EntityType + "\x00" + strconv.Itoa(q.Limit) + "\x00" + q.Text
}
