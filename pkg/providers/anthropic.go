package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/memory"
)

const defaultAnthropicClassifierModel = "claude-3-5-haiku-latest"

func init() {
	RegisterClassifierFactory(ProviderAnthropic, func(cfg *config.Config) (memory.Classifier, error) {
		return NewAnthropicClassifier(cfg.Providers.Classifier)
	}, func(cfg *config.Config) error {
		_, err := resolveAPIKey(cfg.Providers.Classifier.APIKey, "providers.classifier.api_key", "ANTHROPIC_API_KEY")
		return err
	})
}

// AnthropicClassifier asks a Claude model how two statements relate.
type AnthropicClassifier struct {
	client anthropic.Client
	model  string
}

func NewAnthropicClassifier(cfg config.ClassifierConfig, opts ...option.RequestOption) (*AnthropicClassifier, error) {
	key, err := resolveAPIKey(cfg.APIKey, "providers.classifier.api_key", "ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicClassifierModel
	}
	all := []option.RequestOption{option.WithAPIKey(key.value)}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		all = append(all, option.WithBaseURL(base))
	}
	return &AnthropicClassifier{
		client: anthropic.NewClient(append(all, opts...)...),
		model:  model,
	}, nil
}

func (c *AnthropicClassifier) Classify(ctx context.Context, existing, candidate string, similarity float64) (memory.Relation, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 8,
		System:    []anthropic.TextBlockParam{{Text: relationSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(relationUserPrompt(existing, candidate, similarity))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic classify: %s", augmentProviderError(ProviderAnthropic, err.Error()))
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return parseRelation(sb.String())
}
