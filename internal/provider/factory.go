package provider

import (
	"context"
	"fmt"
	"time"

	"concierge/internal/config"
)

// FromConfig constructs a Client for one pipeline role.
func FromConfig(ctx context.Context, pc config.ProviderConfig) (Client, error) {
	switch pc.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			Timeout:     config.TimeoutOf(pc.Timeout, 120*time.Second),
		}), nil
	case "gemini":
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:      pc.APIKey,
			Model:       pc.Model,
			Temperature: pc.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Provider)
	}
}
