// Package llm calls an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/viewtrail/connectivity"
	"github.com/hazyhaar/viewtrail/horosafe"
)

const completionsPath = "/chat/completions"

var (
	// ErrEmptyContent is returned when the endpoint answers without text.
	ErrEmptyContent = errors.New("llm: empty completion")

	// ErrMissingEndpoint is returned when no URL is configured.
	ErrMissingEndpoint = errors.New("llm: missing endpoint URL")
)

// Config configures the client.
type Config struct {
	Timeout  time.Duration // Default: 120s.
	MaxBytes int64         // Max response body. Default: horosafe.MaxResponseBody.
	// Breaker guards the endpoint. Default: threshold 5, reset 30s.
	Breaker *connectivity.CircuitBreaker
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
	if c.Breaker == nil {
		c.Breaker = connectivity.NewCircuitBreaker()
	}
}

// Client sends chat completion requests.
type Client struct {
	http   *http.Client
	config Config
	logger *slog.Logger
}

// New creates a Client. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

// Request is one completion call.
type Request struct {
	URL         string
	APIKey      string
	Model       string
	System      string
	User        string
	Temperature float64
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
		Text    string  `json:"text"`
	} `json:"choices"`
}

// NormalizeURL trims the URL and appends /chat/completions unless present.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if strings.HasSuffix(u, completionsPath) {
		return u
	}
	return strings.TrimRight(u, "/") + completionsPath
}

// Complete sends req and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return "", ErrMissingEndpoint
	}
	target := NormalizeURL(req.URL)
	if err := horosafe.ValidateScheme(target); err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	return connectivity.Guard(ctx, c.config.Breaker, "llm", func(ctx context.Context) (string, error) {
		return c.send(ctx, target, req.APIKey, body)
	})
}

func (c *Client) send(ctx context.Context, target, apiKey string, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		c.logger.Warn("llm: endpoint error",
			"status", resp.StatusCode,
			"body", snippet,
			"duration", time.Since(start))
		return "", fmt.Errorf("llm: endpoint returned status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	c.logger.Debug("llm: response received", "duration", time.Since(start), "choices", len(cr.Choices))

	if len(cr.Choices) == 0 {
		return "", ErrEmptyContent
	}
	content := cr.Choices[0].Message.Content
	if content == "" {
		content = cr.Choices[0].Text
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}
