package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	switch providerName {
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") || strings.Contains(lower, "401") {
			return msg + " Hint: set providers.*.api_key or OPENAI_API_KEY to a Platform API key."
		}
		if strings.Contains(lower, "dimensions") && strings.Contains(lower, "not supported") {
			return msg + " Hint: only text-embedding-3 models accept providers.embedding.dimensions; clear it for older models."
		}
	case ProviderAnthropic:
		if strings.Contains(lower, "invalid x-api-key") || strings.Contains(lower, "authentication_error") {
			return msg + " Hint: set providers.classifier.api_key or ANTHROPIC_API_KEY."
		}
		if strings.Contains(lower, "not_found_error") && strings.Contains(lower, "model") {
			return msg + " Hint: check providers.classifier.model against the models enabled for your key."
		}
	}

	return msg
}

// NormalizeProviderName lowercases and trims a provider name.
func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
