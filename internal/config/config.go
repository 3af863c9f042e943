package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ProviderGroq      = "groq"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"

	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

type Config struct {
	Port      int    `validate:"min=1,max=65535"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	Provider          string `validate:"oneof=groq gemini anthropic"`
	CompletionTimeout time.Duration
	// SessionIdle is how long an owner's conversations stay in memory
	// after their last request. Zero keeps them forever.
	SessionIdle time.Duration `validate:"min=0"`

	GroqAPIKey  string `validate:"required_if=Provider groq"`
	GroqModel   string
	GroqBaseURL string `validate:"omitempty,url"`

	GeminiAPIKey string `validate:"required_if=Provider gemini"`
	GeminiModel  string

	AnthropicAPIKey    string `validate:"required_if=Provider anthropic"`
	AnthropicModel     string
	AnthropicMaxTokens int `validate:"min=1"`

	Store       string `validate:"oneof=postgres bolt"`
	DatabaseURL string `validate:"required_if=Store postgres"`
	BoltPath    string `validate:"required_if=Store bolt"`

	NatsURL   string
	NatsToken string

	GoogleClientID string
	GoogleJWKSURL  string `validate:"omitempty,url"`
}

func Load() Config {
	return Config{
		Port:      envInt("PARLEY_PORT", 8760),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "json"),

		Provider:          envStr("PARLEY_PROVIDER", ProviderGroq),
		CompletionTimeout: time.Duration(envInt("PARLEY_COMPLETION_TIMEOUT", 120)) * time.Second,
		SessionIdle:       time.Duration(envInt("PARLEY_SESSION_IDLE", 30)) * time.Minute,

		GroqAPIKey:  envStr("GROQ_API_KEY", ""),
		GroqModel:   envStr("GROQ_MODEL", "llama3-8b-8192"),
		GroqBaseURL: envStr("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),

		GeminiAPIKey: envStr("GEMINI_API_KEY", ""),
		GeminiModel:  envStr("GEMINI_MODEL", "gemini-2.0-flash"),

		AnthropicAPIKey:    envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:     envStr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		AnthropicMaxTokens: envInt("ANTHROPIC_MAX_TOKENS", 4096),

		Store:       envStr("PARLEY_STORE", StorePostgres),
		DatabaseURL: envStr("DATABASE_URL", ""),
		BoltPath:    envStr("PARLEY_BOLT_PATH", "parley.db"),

		NatsURL:   envStr("NATS_URL", ""),
		NatsToken: envStr("NATS_TOKEN", ""),

		GoogleClientID: envStr("GOOGLE_CLIENT_ID", ""),
		GoogleJWKSURL:  envStr("GOOGLE_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs"),
	}
}

// Validate reports the first group of invalid settings.
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AuthEnabled reports whether requests must carry a Google ID token.
func (c Config) AuthEnabled() bool {
	return c.GoogleClientID != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
