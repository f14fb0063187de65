package provider

import (
	"fmt"
	"strings"

	"github.com/kairon-os/kairon/internal/config"
)

// providerAliases maps common aliases to canonical provider IDs.
var providerAliases = map[string]string{
	"gpt":      "openai",
	"or":       "openrouter",
	"local":    "ollama",
	"ds":       "deepseek",
}

// NormalizeProviderID resolves aliases and normalizes the provider ID.
func NormalizeProviderID(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := providerAliases[lower]; ok {
		return canonical
	}
	return lower
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
// For OpenRouter, the format is "openrouter/vendor/model" (three segments).
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	return strings.ToLower(parts[0]), parts[1]
}

// Resolve builds the provider for a "provider/model" string. A bare model
// name uses the OpenAI settings. An empty string returns (nil, nil).
func Resolve(cfg *config.Config, modelStr string) (LLMProvider, error) {
	if strings.TrimSpace(modelStr) == "" {
		return nil, nil
	}
	provID, model := ParseModelString(modelStr)
	if provID == "" {
		return NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, model), nil
	}
	return buildProvider(cfg, NormalizeProviderID(provID), model)
}

// buildProvider constructs a provider from its canonical ID and model name.
func buildProvider(cfg *config.Config, providerID, model string) (LLMProvider, error) {
	withKey := func(p config.ProviderConfig, defaultBase string) (LLMProvider, error) {
		if p.APIKey == "" {
			return nil, &ProviderError{Provider: providerID, Hint: fmt.Sprintf("set providers.%s.apiKey in config or KAIRON_%s_API_KEY", providerID, strings.ToUpper(providerID))}
		}
		base := p.APIBase
		if base == "" {
			base = defaultBase
		}
		return NewOpenAIProvider(p.APIKey, base, model), nil
	}
	withBase := func(p config.ProviderConfig, defaultBase string) (LLMProvider, error) {
		base := p.APIBase
		if base == "" {
			base = defaultBase
		}
		if base == "" {
			return nil, &ProviderError{Provider: providerID, Hint: fmt.Sprintf("set providers.%s.apiBase in config (e.g. http://localhost:8000/v1)", providerID)}
		}
		return NewOpenAIProvider(p.APIKey, base, model), nil
	}

	switch providerID {
	case "openai":
		return withKey(cfg.Providers.OpenAI, "")
	case "openrouter":
		return withKey(cfg.Providers.OpenRouter, "https://openrouter.ai/api/v1")
	case "groq":
		return withKey(cfg.Providers.Groq, "https://api.groq.com/openai/v1")
	case "deepseek":
		return withKey(cfg.Providers.DeepSeek, "https://api.deepseek.com/v1")
	case "vllm":
		return withBase(cfg.Providers.VLLM, "")
	case "ollama":
		return withBase(cfg.Providers.Ollama, "http://localhost:11434/v1")
	default:
		return nil, &ProviderError{Provider: providerID, Hint: fmt.Sprintf("unknown provider ID %q (supported: openai, openrouter, groq, deepseek, vllm, ollama)", providerID)}
	}
}

// ProviderError is returned when a provider cannot be constructed.
type ProviderError struct {
	Provider string
	Hint     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.Provider, e.Hint)
}
