// Package search runs web searches for the model's web_search tool.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/voice-agent/internal/resilience"
)

const defaultBaseURL = "https://api.tavily.com"

// ErrNotConfigured is returned when no Tavily key is set
var ErrNotConfigured = errors.New("search: tavily api key is not configured")

// Hit is one search result
type Hit struct {
	Title   string
	URL     string
	Content string
}

// Options configures the Tavily client. Zero values use defaults.
type Options struct {
	BaseURL    string
	MaxResults int
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
	Retry      *resilience.RetryConfig
}

// Tavily searches the web through the Tavily REST API
type Tavily struct {
	apiKey func() string
	opts   Options
}

// NewTavily creates a client; apiKey is read per request so runtime key updates apply
func NewTavily(apiKey func() string, opts Options) *Tavily {
	if apiKey == nil {
		apiKey = func() string { return "" }
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxResults <= 0 {
		opts.MaxResults = 3
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("tavily", 5, 30*time.Second)
	}
	return &Tavily{apiKey: apiKey, opts: opts}
}

// Configured reports whether a key is available
func (c *Tavily) Configured() bool {
	return c != nil && strings.TrimSpace(c.apiKey()) != ""
}

// Query returns the content of the top results joined by blank lines
func (c *Tavily) Query(ctx context.Context, query string) (string, error) {
	hits, err := c.Search(ctx, query, c.opts.MaxResults)
	if err != nil {
		return "", err
	}
	contents := make([]string, 0, len(hits))
	for _, h := range hits {
		contents = append(contents, h.Content)
	}
	return strings.Join(contents, "\n\n"), nil
}

// Search returns at most maxResults hits for query
func (c *Tavily) Search(ctx context.Context, query string, maxResults int) ([]Hit, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if maxResults <= 0 {
		maxResults = c.opts.MaxResults
	}

	body, err := json.Marshal(map[string]any{
		"query":        query,
		"search_depth": "basic",
		"max_results":  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var hits []Hit
	err = c.opts.Breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			var err error
			hits, err = c.search(ctx, body)
			return err
		}, c.opts.Retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return nil, err
	}

	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

func (c *Tavily) search(ctx context.Context, body []byte) ([]Hit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey()))

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		err := fmt.Errorf("tavily error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	hits := make([]Hit, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return hits, nil
}

// Ping reports whether the search backend is usable; it does not spend a query
func (c *Tavily) Ping(context.Context) (bool, error) {
	if !c.Configured() {
		return false, ErrNotConfigured
	}
	if c.opts.Breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
