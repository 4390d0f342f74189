// Package messaging provides a client for the email/calendar provider sync layer.
package messaging

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
	APIKey  string
	RPS     float64 // Requests per second; <= 0 disables throttling
	Timeout time.Duration
}

// Client implements domain.MessagingProvider over HTTP
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient creates a new messaging client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
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
		log:        log.With().Str("client", "messaging").Logger(),
	}
}

// Send delivers a message. The provider deduplicates on the idempotency key,
// so a repeated send of the same scheduled record is harmless on its side.
// A response the provider marks unsuccessful is returned as a result, not an error.
func (c *Client) Send(ctx context.Context, payload domain.SendPayload) (domain.SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/messages", body, payload.IdempotencyKey)
	if err != nil {
		return domain.SendResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// Rejected payloads carry a result body explaining why
	default:
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.SendResult{}, fmt.Errorf("messaging provider error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var result domain.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.SendResult{}, fmt.Errorf("failed to decode send response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		result.Success = false
		if result.Error == "" {
			result.Error = http.StatusText(resp.StatusCode)
		}
	}

	c.log.Debug().
		Str("action", payload.ActionID).
		Bool("success", result.Success).
		Str("provider_message_id", result.ProviderMessageID).
		Msg("Send completed")

	return result, nil
}

// DeleteScheduledArtifact removes a provider-side artifact. Unknown ids are not an error.
func (c *Client) DeleteScheduledArtifact(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/artifacts/"+url.PathEscape(id), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		c.log.Debug().Str("artifact", id).Msg("Artifact already gone")
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("failed to delete artifact %s: status %d, body: %s", id, resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("messaging rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("messaging request failed: %w", err)
	}
	return resp, nil
}
