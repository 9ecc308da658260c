package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/option"

	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/memory"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
}

func TestCreateEmbedder_LocalDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	emb, err := CreateEmbedder(cfg)
	require.NoError(t, err)
	assert.Equal(t, 384, emb.Dims())

	cfg.Providers.Embedding.Provider = " HASH "
	emb, err = CreateEmbedder(cfg)
	require.NoError(t, err)
	assert.Equal(t, 256, emb.Dims())

	vec, err := emb.Embed(context.Background(), "window seat please")
	require.NoError(t, err)
	assert.Len(t, vec, 256)
}

func TestCreateClassifier_Lexical(t *testing.T) {
	cfg := config.DefaultConfig()
	cls, err := CreateClassifier(cfg)
	require.NoError(t, err)

	rel, err := cls.Classify(context.Background(), "I am vegetarian", "I love steak", 0.3)
	require.NoError(t, err)
	assert.Equal(t, memory.Contradicts, rel)
}

func TestCreate_UnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Embedding.Provider = "word2vec"
	_, err := CreateEmbedder(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chargram")

	cfg = config.DefaultConfig()
	cfg.Providers.Classifier.Provider = "oracle"
	_, err = CreateClassifier(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lexical")
}

func TestSupportedProviders(t *testing.T) {
	assert.Equal(t, []string{"chargram", "hash", "openai"}, SupportedEmbedders())
	assert.Equal(t, []string{"anthropic", "lexical", "openai"}, SupportedClassifiers())
}

func TestValidateProviderConfig_MissingCredentials(t *testing.T) {
	clearProviderEnv(t)
	cfg := config.DefaultConfig()
	require.NoError(t, ValidateProviderConfig(cfg))

	cfg.Providers.Classifier.Provider = "anthropic"
	err := ValidateProviderConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	require.NoError(t, ValidateProviderConfig(cfg))

	cfg.Providers.Embedding.Provider = "openai"
	err = ValidateProviderConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.embedding.api_key")
}

func TestResolveAPIKey(t *testing.T) {
	clearProviderEnv(t)

	got, err := resolveAPIKey(" sk-config ", "providers.embedding.api_key", "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-config", got.value)
	assert.Equal(t, "providers.embedding.api_key", got.source)

	t.Setenv("OPENAI_API_KEY", "sk-env")
	got, err = resolveAPIKey("", "providers.embedding.api_key", "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", got.value)
	assert.Equal(t, "env:OPENAI_API_KEY", got.source)

	_, err = resolveAPIKey("", "field")
	assert.EqualError(t, err, "field is required")
}

func TestParseRelation(t *testing.T) {
	cases := map[string]memory.Relation{
		"reinforces":       memory.Reinforces,
		" Contradicts.\n":  memory.Contradicts,
		"**unrelated**":    memory.Unrelated,
		"contradicts, the": memory.Contradicts,
	}
	for in, want := range cases {
		got, err := parseRelation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseRelation("maybe")
	assert.Error(t, err)
}

func TestOpenAIEmbedder(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.6,0.8,0]}],"model":"text-embedding-3-small","usage":{"prompt_tokens":1,"total_tokens":1}}`)
	}))
	defer srv.Close()

	emb, err := NewOpenAIEmbedder(config.EmbeddingConfig{
		Provider:   "openai",
		Dimensions: 3,
		APIKey:     "sk-test",
		APIBase:    srv.URL,
	}, option.WithMaxRetries(0))
	require.NoError(t, err)
	assert.Equal(t, 3, emb.Dims())
	assert.Equal(t, "openai:text-embedding-3-small:3", emb.ModelID())

	vec, err := emb.Embed(context.Background(), "aisle seat")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8, 0}, vec, 1e-6)
	assert.Equal(t, "aisle seat", gotBody["input"])
	assert.Equal(t, float64(3), gotBody["dimensions"])
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,0]}],"model":"m","usage":{"prompt_tokens":1,"total_tokens":1}}`)
	}))
	defer srv.Close()

	emb, err := NewOpenAIEmbedder(config.EmbeddingConfig{Dimensions: 3, APIKey: "sk-test", APIBase: srv.URL}, option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = emb.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 2 dimensions")
}

func TestOpenAIEmbedder_DefaultDims(t *testing.T) {
	emb, err := NewOpenAIEmbedder(config.EmbeddingConfig{Model: "text-embedding-3-large", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 3072, emb.Dims())

	emb, err = NewOpenAIEmbedder(config.EmbeddingConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 1536, emb.Dims())
}

func TestOpenAIClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"reinforces"}}]}`)
	}))
	defer srv.Close()

	cls, err := NewOpenAIClassifier(config.ClassifierConfig{APIKey: "sk-test", APIBase: srv.URL}, option.WithMaxRetries(0))
	require.NoError(t, err)
	rel, err := cls.Classify(context.Background(), "I prefer aisle seats", "Aisle seats for me", 0.9)
	require.NoError(t, err)
	assert.Equal(t, memory.Reinforces, rel)
}

func TestOpenAIClassifier_AuthErrorHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	cls, err := NewOpenAIClassifier(config.ClassifierConfig{APIKey: "bad", APIBase: srv.URL}, option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = cls.Classify(context.Background(), "a", "b", 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestAnthropicClassifier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"x","content":[{"type":"text","text":"contradicts"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	cls, err := NewAnthropicClassifier(config.ClassifierConfig{APIKey: "sk-ant-test", APIBase: srv.URL}, anthropicoption.WithMaxRetries(0))
	require.NoError(t, err)
	rel, err := cls.Classify(context.Background(), "I am vegetarian", "I love steak", 0.4)
	require.NoError(t, err)
	assert.Equal(t, memory.Contradicts, rel)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropicClassifier_UnparseableAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"x","content":[{"type":"text","text":"It depends."}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	cls, err := NewAnthropicClassifier(config.ClassifierConfig{APIKey: "k", APIBase: srv.URL}, anthropicoption.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = cls.Classify(context.Background(), "a", "b", 0.5)
	assert.Error(t, err)
}

func TestClassifierUnavailableSurfacesFromService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cls, err := NewOpenAIClassifier(config.ClassifierConfig{APIKey: "k", APIBase: srv.URL}, option.WithMaxRetries(0))
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Memory.SweepSchedule = "off"
	svc, err := memory.NewService(context.Background(), cfg.ServiceConfig(), memory.Deps{Classifier: cls})
	require.NoError(t, err)
	defer svc.Close()

	ident := memory.Identity{TenantID: "acme", UserID: "alice"}
	cand := memory.Candidate{Identity: ident, Text: "I am vegetarian", Type: memory.Declarative, Facets: map[string]string{"category": "dietary"}}
	_, err = svc.ExtractAndStore(context.Background(), cand)
	require.NoError(t, err)

	cand.Text = "I love steak"
	_, err = svc.ExtractAndStore(context.Background(), cand)
	assert.ErrorIs(t, err, memory.ErrConflictCheckUnavailable)
}
