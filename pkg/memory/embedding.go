package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// Embedder turns text into a fixed-length vector. Implementations backed by a
// remote API must honour ctx cancellation.
type Embedder interface {
	ModelID() string
	Dims() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	defaultEmbeddingModel = "tripmind-chargram-384-v1"
	hashEmbeddingModel    = "tripmind-hash-256-v1"
)

var (
	tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)
	apostrophes  = strings.NewReplacer("'", "", "\u2019", "")
)

type hashEmbedder struct {
	dims    int
	modelID string
}

func (e *hashEmbedder) ModelID() string { return e.modelID }
func (e *hashEmbedder) Dims() int       { return e.dims }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	normalizeVector(vec)
	return vec, nil
}

// chargramEmbedder mixes character trigrams with whole tokens so paraphrases
// that share stems land close together. Deterministic and offline.
type chargramEmbedder struct {
	dims    int
	modelID string
}

func (e *chargramEmbedder) ModelID() string { return e.modelID }
func (e *chargramEmbedder) Dims() int       { return e.dims }

func (e *chargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(window[i : i+3]))
		vec[int(h.Sum64()%uint64(e.dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		if stopwords[token] {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		vec[int(h.Sum64()%uint64(e.dims))] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

// NewEmbedderByName returns one of the built-in local embedders.
func NewEmbedderByName(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case hashEmbeddingModel, "hash", "hash-256":
		return &hashEmbedder{dims: 256, modelID: hashEmbeddingModel}
	default:
		return &chargramEmbedder{dims: 384, modelID: defaultEmbeddingModel}
	}
}

// CachedEmbedder memoizes vectors by text. Embedding the same statement twice
// is common: restatements, recall of the current turn, index rebuilds.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(inner Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached embedder: nil inner embedder")
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) ModelID() string { return c.inner.ModelID() }
func (c *CachedEmbedder) Dims() int       { return c.inner.Dims() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.inner.ModelID() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until buffered cache writes are applied.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

func (c *CachedEmbedder) Close() { c.cache.Close() }

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "im": true, "am": true, "is": true,
	"are": true, "to": true, "of": true, "and": true, "or": true, "my": true, "me": true,
	"in": true, "on": true, "at": true, "for": true, "it": true, "be": true, "really": true,
	"very": true, "so": true, "just": true, "we": true, "our": true, "with": true,
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	return matches
}

// contentTokens drops stopwords; used for mention matching and lexical classification.
func contentTokens(text string) []string {
	out := make([]string, 0, 8)
	for _, tok := range tokenize(apostrophes.Replace(text)) {
		if !stopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// cosineSimilarity does not assume normalized input; remote embedders may
// return unnormalized vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
