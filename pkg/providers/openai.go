package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/logger"
	"github.com/dotsetgreg/tripmind/pkg/memory"
)

const (
	defaultOpenAIEmbeddingModel  = "text-embedding-3-small"
	defaultOpenAIClassifierModel = "gpt-4o-mini"
)

func init() {
	RegisterEmbedderFactory(ProviderOpenAI, func(cfg *config.Config) (memory.Embedder, error) {
		emb, err := NewOpenAIEmbedder(cfg.Providers.Embedding)
		if err != nil {
			return nil, err
		}
		return memory.NewCachedEmbedder(emb, cfg.Memory.EmbeddingCacheEntries)
	}, func(cfg *config.Config) error {
		_, err := resolveAPIKey(cfg.Providers.Embedding.APIKey, "providers.embedding.api_key", "OPENAI_API_KEY")
		return err
	})
	RegisterClassifierFactory(ProviderOpenAI, func(cfg *config.Config) (memory.Classifier, error) {
		return NewOpenAIClassifier(cfg.Providers.Classifier)
	}, func(cfg *config.Config) error {
		_, err := resolveAPIKey(cfg.Providers.Classifier.APIKey, "providers.classifier.api_key", "OPENAI_API_KEY")
		return err
	})
}

func openAIOptions(key credentialSource, apiBase string) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(key.value)}
	if base := strings.TrimSpace(apiBase); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return opts
}

// OpenAIEmbedder embeds text through the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dims   int
}

func NewOpenAIEmbedder(cfg config.EmbeddingConfig, opts ...option.RequestOption) (*OpenAIEmbedder, error) {
	key, err := resolveAPIKey(cfg.APIKey, "providers.embedding.api_key", "OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIEmbeddingModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = openAIModelDims(model)
	}
	logger.DebugCF("providers", "OpenAI embedder configured", map[string]interface{}{
		"model":      model,
		"dims":       dims,
		"key_source": key.source,
	})
	return &OpenAIEmbedder{
		client: openai.NewClient(append(openAIOptions(key, cfg.APIBase), opts...)...),
		model:  model,
		dims:   dims,
	}, nil
}

func openAIModelDims(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func (e *OpenAIEmbedder) ModelID() string { return fmt.Sprintf("openai:%s:%d", e.model, e.dims) }
func (e *OpenAIEmbedder) Dims() int       { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	}
	if strings.HasPrefix(e.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(e.dims))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %s", augmentProviderError(ProviderOpenAI, err.Error()))
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	raw := resp.Data[0].Embedding
	if len(raw) != e.dims {
		return nil, fmt.Errorf("openai embeddings: got %d dimensions, want %d", len(raw), e.dims)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// OpenAIClassifier asks a chat model how two statements relate.
type OpenAIClassifier struct {
	client openai.Client
	model  string
}

func NewOpenAIClassifier(cfg config.ClassifierConfig, opts ...option.RequestOption) (*OpenAIClassifier, error) {
	key, err := resolveAPIKey(cfg.APIKey, "providers.classifier.api_key", "OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIClassifierModel
	}
	return &OpenAIClassifier{
		client: openai.NewClient(append(openAIOptions(key, cfg.APIBase), opts...)...),
		model:  model,
	}, nil
}

func (c *OpenAIClassifier) Classify(ctx context.Context, existing, candidate string, similarity float64) (memory.Relation, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(relationSystemPrompt),
			openai.UserMessage(relationUserPrompt(existing, candidate, similarity)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("openai classify: %s", augmentProviderError(ProviderOpenAI, err.Error()))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai classify: empty response")
	}
	return parseRelation(resp.Choices[0].Message.Content)
}
