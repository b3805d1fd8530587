package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/observability/logging"
)

// Citation is a retrieved passage supporting an answer.
type Citation struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Service queries the retrieval backend for passages relevant to a query.
// Implementations must be safe for concurrent use.
type Service interface {
	Query(ctx context.Context, text string, k int) ([]Citation, error)
}

// UnavailableError reports that the retrieval backend could not serve the
// query. Routing falls through to the fallback tier.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("retrieval unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// HTTPClient talks to an external retrieval API over JSON.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient builds a retrieval client from configuration.
func NewHTTPClient(cfg config.RetrievalConfig) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("retrieval endpoint is required")
	}
	timeout := 10 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type queryResponse struct {
	Results []Citation `json:"results"`
}

// Query posts the query to the retrieval endpoint and returns its citations.
// All transport and decoding failures are wrapped in *UnavailableError.
func (c *HTTPClient) Query(ctx context.Context, text string, k int) ([]Citation, error) {
	body, err := json.Marshal(queryRequest{Query: text, TopK: k})
	if err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &UnavailableError{
			Err: fmt.Errorf("retrieval API returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	logging.Debugf("Retrieval returned %d citations in %s", len(decoded.Results), time.Since(start).Round(time.Millisecond))
	return decoded.Results, nil
}
