// Package generator provides a client for the Intelligence Generator service,
// which drafts next actions for an opportunity.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config configures the client
type Config struct {
	BaseURL string
	APIKey  string  // Optional bearer token
	RPS     float64 // Requests per second; <= 0 disables throttling
	Timeout time.Duration
}

type generateRequest struct {
	OpportunityID string `json:"opportunityId"`
}

type generateResponse struct {
	Drafts []domain.Draft `json:"drafts"`
}

// Client calls the generator over HTTP. Calls are throttled so a burst of
// queue work cannot storm the generator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient creates a new generator client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		log:        log.With().Str("client", "generator").Logger(),
	}
}

// Generate returns the drafts for an opportunity
func (c *Client) Generate(ctx context.Context, opportunityID string) ([]domain.Draft, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("generator rate limit wait: %w", err)
	}

	body, err := json.Marshal(generateRequest{OpportunityID: opportunityID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v1/opportunities/" + url.PathEscape(opportunityID) + "/drafts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("generator error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode generator response: %w", err)
	}

	c.log.Debug().
		Str("opportunity", opportunityID).
		Int("drafts", len(out.Drafts)).
		Dur("duration", time.Since(start)).
		Msg("Generator returned drafts")

	return out.Drafts, nil
}
