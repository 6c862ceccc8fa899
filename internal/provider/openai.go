package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"concierge/internal/logging"
)

// OpenAIClient implements Client against any OpenAI-compatible
// chat-completions endpoint (OpenAI, Together, and similar gateways).
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Seed        int           `json:"seed,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Complete sends a prompt and returns the completion text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if c.apiKey == "" {
		return "", &Error{Kind: ErrAuth, Message: "API key not configured"}
	}

	// Space out requests to stay under per-key rate limits.
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 500*time.Millisecond {
		time.Sleep(500*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	temperature := c.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: temperature,
		Seed:        opts.Seed,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", transportErr(err, "failed to marshal request")
	}

	// Retry loop for 429 errors with exponential backoff: 1s, 2s, 4s.
	maxRetries := 3
	var lastErr *Error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", transportErr(ctx.Err(), "request cancelled")
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", transportErr(err, "failed to create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = transportErr(err, "request failed")
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = transportErr(err, "failed to read response")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &Error{Kind: ErrRateLimit, StatusCode: resp.StatusCode, Message: "rate limit exceeded"}
			logging.Get(logging.CategoryProvider).Warnf("rate limited, attempt %d/%d", i+1, maxRetries+1)
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return "", &Error{Kind: ErrAuth, StatusCode: resp.StatusCode, Message: string(body)}
		case resp.StatusCode != http.StatusOK:
			return "", &Error{Kind: ErrTransport, StatusCode: resp.StatusCode, Message: string(body)}
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", transportErr(err, "failed to parse response envelope")
		}
		if parsed.Error != nil {
			return "", &Error{Kind: ErrTransport, Message: parsed.Error.Message}
		}
		if len(parsed.Choices) == 0 {
			return "", &Error{Kind: ErrTransport, Message: "no completion returned"}
		}

		return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
	}

	if lastErr == nil {
		lastErr = &Error{Kind: ErrTransport, Message: "max retries exceeded"}
	} else {
		lastErr.Message = fmt.Sprintf("max retries exceeded: %s", lastErr.Message)
	}
	return "", lastErr
}

// Model returns the configured model id.
func (c *OpenAIClient) Model() string { return c.model }
