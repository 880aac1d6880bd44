package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Languages the assistant can answer in.
var Languages = []string{
	"Simple English",
	"Hindi (in Roman script)",
	"Kannada",
	"Tamil",
	"Telugu",
	"Marathi",
}

const DefaultLanguage = "Simple English"

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type EmbeddingsConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type RetrieverConfig struct {
	TopK           int     `yaml:"top_k"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

type ConversationConfig struct {
	MaxTurns     int `yaml:"max_turns"`
	HistoryLimit int `yaml:"history_limit"`
}

type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	ListenAddr  string `yaml:"listen_addr"`

	LLM          LLMConfig          `yaml:"llm"`
	Embeddings   EmbeddingsConfig   `yaml:"embeddings"`
	Retriever    RetrieverConfig    `yaml:"retriever"`
	Conversation ConversationConfig `yaml:"conversation"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	DefaultLanguage string `yaml:"default_language"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
}

// Load assembles configuration from config.yaml (if present) with environment
// variables taking precedence. A local .env file is honored when it exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if data, err := os.ReadFile("config.yaml"); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		PostgresDSN: "postgres://localhost:5432/nyay-agent?sslmode=disable",
		ListenAddr:  ":8080",
		LLM: LLMConfig{
			Provider:    ProviderOllama,
			Model:       "llama3.1:8b",
			Temperature: 0.7,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		Retriever: RetrieverConfig{
			TopK:           3,
			ScoreThreshold: 0.3,
		},
		Conversation: ConversationConfig{
			MaxTurns:     20,
			HistoryLimit: 6,
		},
		OllamaHost:      "http://localhost:11434",
		DefaultLanguage: DefaultLanguage,
		MaxUploadBytes:  20 << 20,
	}
}

func applyEnv(cfg *Config) {
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)

	cfg.LLM.Provider = getEnv("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", cfg.LLM.Temperature)

	cfg.Embeddings.Provider = getEnv("EMBEDDINGS_PROVIDER", cfg.Embeddings.Provider)
	cfg.Embeddings.Model = getEnv("EMBEDDINGS_MODEL", cfg.Embeddings.Model)
	cfg.Embeddings.Dimension = getEnvInt("EMBEDDINGS_DIMENSION", cfg.Embeddings.Dimension)

	cfg.Retriever.TopK = getEnvInt("RETRIEVER_TOP_K", cfg.Retriever.TopK)
	cfg.Retriever.ScoreThreshold = getEnvFloat("RETRIEVER_SCORE_THRESHOLD", cfg.Retriever.ScoreThreshold)

	cfg.Conversation.MaxTurns = getEnvInt("MAX_TURNS", cfg.Conversation.MaxTurns)
	cfg.Conversation.HistoryLimit = getEnvInt("HISTORY_LIMIT", cfg.Conversation.HistoryLimit)

	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)

	cfg.DefaultLanguage = getEnv("DEFAULT_LANGUAGE", cfg.DefaultLanguage)
	cfg.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
}

func (c Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}

	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embeddings.Provider)
	}

	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Retriever.TopK <= 0 {
		return fmt.Errorf("retriever top_k must be positive")
	}
	if c.Retriever.ScoreThreshold <= 0 || c.Retriever.ScoreThreshold > 1 {
		return fmt.Errorf("retriever score_threshold must be in (0, 1], got %g", c.Retriever.ScoreThreshold)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm temperature must be in [0, 2], got %g", c.LLM.Temperature)
	}
	if c.Conversation.MaxTurns <= 0 {
		return fmt.Errorf("conversation max_turns must be positive")
	}
	if c.Conversation.HistoryLimit <= 0 {
		return fmt.Errorf("conversation history_limit must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if !IsSupportedLanguage(c.DefaultLanguage) {
		return fmt.Errorf("unsupported default language: %s", c.DefaultLanguage)
	}
	return nil
}

// IsSupportedLanguage reports whether lang is one of the configured answer languages.
func IsSupportedLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
