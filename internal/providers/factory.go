package providers

import (
	"fmt"

	"github.com/gokr/niffler/internal/config"
)

// New builds a Provider for the given model profile, grounded on the
// teacher's factory.resolveProviderSelection but simplified to the two
// wire protocols spec.md requires: Anthropic's native API and any
// OpenAI-compatible chat-completions endpoint.
func New(profile config.ModelProfile) (Provider, error) {
	apiKey := profile.APIKey()
	switch profile.Provider {
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("providers: no API key for model %q (expected env %s)", profile.Nickname, profile.APIKeyEnv)
		}
		return NewAnthropicProvider(apiKey, profile.BaseURL), nil
	case "openai_compat":
		if apiKey == "" {
			return nil, fmt.Errorf("providers: no API key for model %q (expected env %s)", profile.Nickname, profile.APIKeyEnv)
		}
		if profile.BaseURL == "" {
			return nil, fmt.Errorf("providers: no base_url configured for model %q", profile.Nickname)
		}
		return NewOpenAICompatProvider(apiKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider kind %q for model %q", profile.Provider, profile.Nickname)
	}
}
