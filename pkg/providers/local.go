package providers

import (
	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/memory"
)

func init() {
	RegisterEmbedderFactory(ProviderChargram, newLocalEmbedder(ProviderChargram), nil)
	RegisterEmbedderFactory(ProviderHash, newLocalEmbedder(ProviderHash), nil)
	RegisterClassifierFactory(ProviderLexical, func(cfg *config.Config) (memory.Classifier, error) {
		return memory.NewLexicalClassifier(cfg.MemoryPolicy()), nil
	}, nil)
}

func newLocalEmbedder(name string) func(cfg *config.Config) (memory.Embedder, error) {
	return func(cfg *config.Config) (memory.Embedder, error) {
		return memory.NewCachedEmbedder(memory.NewEmbedderByName(name), cfg.Memory.EmbeddingCacheEntries)
	}
}
