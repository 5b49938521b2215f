package providers

import "fmt"

// Settings selects and configures the completion provider.
type Settings struct {
	Provider        string // "anthropic" (default) or "openai"
	Model           string
	AnthropicAPIKey string
	AnthropicBase   string
	AnthropicRetry  int
	OpenAIAPIKey    string
	OpenAIBase      string
	OpenAIRetry     int
}

// New builds the configured provider, wrapped with metrics and tracing.
func New(s Settings) (Provider, error) {
	switch s.Provider {
	case "", "anthropic":
		if s.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key (ROOMCLAW_ANTHROPIC_API_KEY)")
		}
		return Instrument(NewAnthropicProvider(s.AnthropicAPIKey,
			WithAnthropicModel(s.Model),
			WithAnthropicBaseURL(s.AnthropicBase),
			WithAnthropicRetries(s.AnthropicRetry),
		)), nil
	case "openai":
		if s.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key (ROOMCLAW_OPENAI_API_KEY)")
		}
		return Instrument(NewOpenAIProvider("openai", s.OpenAIAPIKey, s.OpenAIBase, s.Model).WithRetries(s.OpenAIRetry)), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", s.Provider)
	}
}
