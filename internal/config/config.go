// Package config holds all concierge configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all concierge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Prompts PromptsConfig `yaml:"prompts"`
	Store   StoreConfig   `yaml:"store"`
	Worker  WorkerConfig  `yaml:"worker"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LLMConfig configures the completion providers per pipeline role.
// The extraction stages run on a cheap structured-output model while the
// actor and critic share the conversational model.
type LLMConfig struct {
	Extraction ProviderConfig `yaml:"extraction"` // NER, search trigger, search simulation
	Actor      ProviderConfig `yaml:"actor"`      // response generation
	Critic     ProviderConfig `yaml:"critic"`     // scoring and regeneration
}

// ProviderConfig configures one completion client.
type ProviderConfig struct {
	Provider    string  `yaml:"provider"` // openai, gemini
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
}

// PromptsConfig configures the template library.
type PromptsConfig struct {
	Dir       string `yaml:"dir"`
	HotReload bool   `yaml:"hot_reload"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// WorkerConfig configures the background task queue.
type WorkerConfig struct {
	Workers      int `yaml:"workers"`
	MaxQueueSize int `yaml:"max_queue_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "concierge",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "15s",
		},

		LLM: LLMConfig{
			Extraction: ProviderConfig{
				Provider:    "openai",
				Model:       "o3-mini",
				BaseURL:     "https://api.openai.com/v1",
				Timeout:     "120s",
				Temperature: 0.1,
			},
			Actor: ProviderConfig{
				Provider:    "openai",
				Model:       "deepseek-ai/DeepSeek-R1",
				BaseURL:     "https://api.together.xyz/v1",
				Timeout:     "180s",
				Temperature: 0.6,
			},
			Critic: ProviderConfig{
				Provider:    "openai",
				Model:       "deepseek-ai/DeepSeek-R1",
				BaseURL:     "https://api.together.xyz/v1",
				Timeout:     "180s",
				Temperature: 0.6,
			},
		},

		Prompts: PromptsConfig{
			Dir:       "prompts",
			HotReload: true,
		},

		Store: StoreConfig{
			DatabasePath: "data/concierge.db",
		},

		Worker: WorkerConfig{
			Workers:      4,
			MaxQueueSize: 64,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults and
// applying environment overrides last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			// Missing file falls back to defaults.
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override secrets and
// endpoints without editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONCIERGE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CONCIERGE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("CONCIERGE_PROMPTS_DIR"); v != "" {
		c.Prompts.Dir = v
	}
	if v := os.Getenv("CONCIERGE_EXTRACTION_API_KEY"); v != "" {
		c.LLM.Extraction.APIKey = v
	}
	if v := os.Getenv("CONCIERGE_ACTOR_API_KEY"); v != "" {
		c.LLM.Actor.APIKey = v
	}
	if v := os.Getenv("CONCIERGE_CRITIC_API_KEY"); v != "" {
		c.LLM.Critic.APIKey = v
	}
	// A single shared key is the common deployment shape.
	if v := os.Getenv("CONCIERGE_API_KEY"); v != "" {
		if c.LLM.Extraction.APIKey == "" {
			c.LLM.Extraction.APIKey = v
		}
		if c.LLM.Actor.APIKey == "" {
			c.LLM.Actor.APIKey = v
		}
		if c.LLM.Critic.APIKey == "" {
			c.LLM.Critic.APIKey = v
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path is required")
	}
	if c.Worker.Workers <= 0 {
		c.Worker.Workers = 4
	}
	if c.Worker.MaxQueueSize <= 0 {
		c.Worker.MaxQueueSize = 64
	}
	for _, pc := range []ProviderConfig{c.LLM.Extraction, c.LLM.Actor, c.LLM.Critic} {
		if pc.Provider != "openai" && pc.Provider != "gemini" {
			return fmt.Errorf("unknown provider %q (want openai or gemini)", pc.Provider)
		}
	}
	return nil
}

// TimeoutOf parses a duration string with a fallback.
func TimeoutOf(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
