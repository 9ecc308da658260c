package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/tripmind/pkg/bus"
)

var (
	alice = Identity{TenantID: "acme", UserID: "alice"}
	bob   = Identity{TenantID: "acme", UserID: "bob"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type serviceOption func(*Config, *Deps)

func withClassifier(cl Classifier) serviceOption {
	return func(_ *Config, d *Deps) { d.Classifier = cl }
}

func withEmbedder(e Embedder) serviceOption {
	return func(_ *Config, d *Deps) { d.Embedder = e }
}

func withIndex(x Index) serviceOption {
	return func(_ *Config, d *Deps) { d.Index = x }
}

func withEvents(eb *bus.EventBus) serviceOption {
	return func(_ *Config, d *Deps) { d.Events = eb }
}

func withPolicy(p Policy) serviceOption {
	return func(c *Config, _ *Deps) { c.Policy = p }
}

func newTestService(t *testing.T, opts ...serviceOption) (*Service, *testClock) {
	t.Helper()
	clock := newTestClock()
	cfg := Config{
		Workspace:       t.TempDir(),
		SweepSchedule:   "off",
		EmbedTimeout:    2 * time.Second,
		ClassifyTimeout: 2 * time.Second,
		Now:             clock.Now,
	}
	deps := Deps{}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	svc, err := NewService(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, clock
}

func remember(t *testing.T, svc *Service, ident Identity, text string, typ MemoryType, category string, dest string) Record {
	t.Helper()
	cand := Candidate{Identity: ident, Text: text, Type: typ}
	if category != "" {
		cand.Facets = map[string]string{"category": category}
	}
	if dest != "" {
		cand.Context = &ContextTags{Destination: dest}
	}
	out, err := svc.ExtractAndStore(context.Background(), cand)
	require.NoError(t, err)
	require.Nil(t, out.Conflict, "unexpected conflict for %q", text)
	require.NotNil(t, out.Stored)
	return *out.Stored
}

func countRecords(t *testing.T, svc *Service, ident Identity) int {
	t.Helper()
	recs, err := svc.store.Get(context.Background(), ident, Filter{}, svc.now())
	require.NoError(t, err)
	return len(recs)
}

type failingClassifier struct{ err error }

func (f failingClassifier) Classify(context.Context, string, string, float64) (Relation, error) {
	return "", f.err
}

// blockingClassifier never answers until release is closed and ignores ctx.
type blockingClassifier struct{ release chan struct{} }

func (b blockingClassifier) Classify(context.Context, string, string, float64) (Relation, error) {
	<-b.release
	return Unrelated, nil
}

type failingEmbedder struct{ dims int }

func (f failingEmbedder) ModelID() string { return "failing" }
func (f failingEmbedder) Dims() int       { return f.dims }
func (f failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("upstream 503")
}

type countingEmbedder struct {
	Embedder
	mu    sync.Mutex
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Embedder.Embed(ctx, text)
}

func (c *countingEmbedder) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type failingIndex struct{ *ChromemIndex }

func (failingIndex) Index(context.Context, Record) error { return errors.New("index offline") }

// flakyIndex fails writes while down is set.
type flakyIndex struct {
	*ChromemIndex
	down atomic.Bool
}

func (f *flakyIndex) Index(ctx context.Context, rec Record) error {
	if f.down.Load() {
		return errors.New("index offline")
	}
	return f.ChromemIndex.Index(ctx, rec)
}
