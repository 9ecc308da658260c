package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/memory"
)

const (
	ProviderChargram  = "chargram"
	ProviderHash      = "hash"
	ProviderLexical   = "lexical"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type embedderFactory struct {
	build    func(cfg *config.Config) (memory.Embedder, error)
	validate func(cfg *config.Config) error
}

type classifierFactory struct {
	build    func(cfg *config.Config) (memory.Classifier, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu           sync.RWMutex
	embedderFactories   = map[string]embedderFactory{}
	classifierFactories = map[string]classifierFactory{}
	registrationErr     error
)

func RegisterEmbedderFactory(name string, build func(cfg *config.Config) (memory.Embedder, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" || build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: embedder factory %q needs a name and build func", name))
		return
	}
	embedderFactories[name] = embedderFactory{build: build, validate: validate}
}

func RegisterClassifierFactory(name string, build func(cfg *config.Config) (memory.Classifier, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" || build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: classifier factory %q needs a name and build func", name))
		return
	}
	classifierFactories[name] = classifierFactory{build: build, validate: validate}
}

func SupportedEmbedders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return sortedKeys(embedderFactories)
}

func SupportedClassifiers() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return sortedKeys(classifierFactories)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EmbedderName is the configured embedding provider, defaulting to chargram.
func EmbedderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderChargram
	}
	name := NormalizeProviderName(cfg.Providers.Embedding.Provider)
	if name == "" {
		return ProviderChargram
	}
	return name
}

// ClassifierName is the configured classifier provider, defaulting to lexical.
func ClassifierName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderLexical
	}
	name := NormalizeProviderName(cfg.Providers.Classifier.Provider)
	if name == "" {
		return ProviderLexical
	}
	return name
}

// ValidateProviderConfig checks both the embedding and the classifier
// provider settings without contacting either.
func ValidateProviderConfig(cfg *config.Config) error {
	ef, _, err := getEmbedderFactory(cfg)
	if err != nil {
		return err
	}
	if ef.validate != nil {
		if err := ef.validate(cfg); err != nil {
			return err
		}
	}
	cf, _, err := getClassifierFactory(cfg)
	if err != nil {
		return err
	}
	if cf.validate != nil {
		if err := cf.validate(cfg); err != nil {
			return err
		}
	}
	return nil
}

func CreateEmbedder(cfg *config.Config) (memory.Embedder, error) {
	f, _, err := getEmbedderFactory(cfg)
	if err != nil {
		return nil, err
	}
	if f.validate != nil {
		if err := f.validate(cfg); err != nil {
			return nil, err
		}
	}
	return f.build(cfg)
}

func CreateClassifier(cfg *config.Config) (memory.Classifier, error) {
	f, _, err := getClassifierFactory(cfg)
	if err != nil {
		return nil, err
	}
	if f.validate != nil {
		if err := f.validate(cfg); err != nil {
			return nil, err
		}
	}
	return f.build(cfg)
}

func getEmbedderFactory(cfg *config.Config) (embedderFactory, string, error) {
	name := EmbedderName(cfg)
	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return embedderFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	f, ok := embedderFactories[name]
	factoryMu.RUnlock()
	if !ok {
		return embedderFactory{}, name, fmt.Errorf("unsupported embedding provider %q: supported providers are %s", name, strings.Join(SupportedEmbedders(), ", "))
	}
	return f, name, nil
}

func getClassifierFactory(cfg *config.Config) (classifierFactory, string, error) {
	name := ClassifierName(cfg)
	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return classifierFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	f, ok := classifierFactories[name]
	factoryMu.RUnlock()
	if !ok {
		return classifierFactory{}, name, fmt.Errorf("unsupported classifier provider %q: supported providers are %s", name, strings.Join(SupportedClassifiers(), ", "))
	}
	return f, name, nil
}
