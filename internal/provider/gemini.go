package provider

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient implements Client on top of the Google GenAI SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float64
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
}

// NewGeminiClient creates a new Gemini-backed completion client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, &Error{Kind: ErrAuth, Message: "Gemini API key is required"}
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, transportErr(err, "failed to create Gemini client")
	}

	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Complete sends a prompt and returns the completion text.
func (g *GeminiClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	temperature := g.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}

	cfg := &genai.GenerateContentConfig{}
	if temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(temperature))
	}
	if opts.Seed > 0 {
		cfg.Seed = genai.Ptr(int32(opts.Seed))
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", transportErr(err, "Gemini completion failed")
	}

	text := result.Text()
	if text == "" {
		return "", &Error{Kind: ErrTransport, Message: "no completion returned"}
	}
	return strings.TrimSpace(text), nil
}

// Model returns the configured model id.
func (g *GeminiClient) Model() string { return g.model }

// Close releases the underlying SDK client.
// The genai SDK client holds no resources that require explicit release.
func (g *GeminiClient) Close() error {
	return nil
}
