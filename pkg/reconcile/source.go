package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HTTPSource enumerates records from a provider-facing HTTP endpoint:
//
//	GET {endpoint}?source=..&from=..&to=..&cursor=..
//	→ {"records": [{"external_id": "...", "event": {...}}], "next_cursor": "..."}
//
// Page requests are paced so a large window does not trip provider rate limits.
type HTTPSource struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	token    string
	maxPages int
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithRate sets the page request rate.
func WithRate(rps float64, burst int) HTTPSourceOption {
	return func(s *HTTPSource) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithBearerToken authenticates requests.
func WithBearerToken(token string) HTTPSourceOption {
	return func(s *HTTPSource) { s.token = token }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) { s.client = c }
}

func NewHTTPSource(endpoint string, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		maxPages: 10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor"`
}

// Enumerate implements ExternalSource.
func (s *HTTPSource) Enumerate(ctx context.Context, source string, w Window) ([]Record, error) {
	var (
		out    []Record
		cursor string
	)
	for i := 0; i < s.maxPages; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		p, err := s.fetch(ctx, source, w, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Records...)
		if p.NextCursor == "" {
			return out, nil
		}
		cursor = p.NextCursor
	}
	return nil, fmt.Errorf("enumerate %s: exceeded %d pages", source, s.maxPages)
}

func (s *HTTPSource) fetch(ctx context.Context, source string, w Window, cursor string) (*page, error) {
	q := url.Values{}
	q.Set("source", source)
	if !w.From.IsZero() {
		q.Set("from", w.From.UTC().Format(time.RFC3339))
	}
	if !w.To.IsZero() {
		q.Set("to", w.To.UTC().Format(time.RFC3339))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", source, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enumerate %s: unexpected status %d", source, resp.StatusCode)
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("enumerate %s: decode: %w", source, err)
	}
	return &p, nil
}

// StaticSource serves fixed records per source. It backs manual runs and tests.
type StaticSource struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewStaticSource() *StaticSource {
	return &StaticSource{records: make(map[string][]Record)}
}

// Set replaces the records for source.
func (s *StaticSource) Set(source string, records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[source] = records
}

// Enumerate implements ExternalSource. The window is ignored.
func (s *StaticSource) Enumerate(ctx context.Context, source string, w Window) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records[source]...), nil
}
