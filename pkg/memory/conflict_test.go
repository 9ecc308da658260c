package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAndStore_ContradictionIsHeldNotStored(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	veg := remember(t, svc, alice, "I am vegetarian", Declarative, "dietary", "")

	out, err := svc.ExtractAndStore(ctx, Candidate{
		Identity: alice,
		Text:     "I love steak",
		Type:     Declarative,
		Facets:   map[string]string{"category": "dietary"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Conflict)
	assert.Nil(t, out.Stored)
	assert.Equal(t, veg.ID, out.Conflict.ExistingID)
	assert.Equal(t, "I am vegetarian", out.Conflict.ExistingText)
	assert.Equal(t, ConflictPending, out.Conflict.Status)
	assert.Equal(t, "I love steak", out.Conflict.Candidate.Text)

	assert.Equal(t, 1, countRecords(t, svc, alice))

	pending, err := svc.ListConflicts(ctx, alice, ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, out.Conflict.ID, pending[0].ID)
}

func TestExtractAndStore_RestatementReinforces(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	first := remember(t, svc, alice, "I prefer window seats on flights", Declarative, "flights", "")
	clock.Advance(time.Hour)

	out, err := svc.ExtractAndStore(ctx, Candidate{
		Identity: alice,
		Text:     "I prefer window seats on flights",
		Type:     Declarative,
		Facets:   map[string]string{"category": "flights"},
	})
	require.NoError(t, err)
	require.True(t, out.Reinforced)
	require.NotNil(t, out.Stored)
	assert.Equal(t, first.ID, out.Stored.ID)
	assert.Greater(t, out.Stored.Salience, first.Salience)
	assert.True(t, out.Stored.LastUsedAt.After(first.LastUsedAt))
	assert.Equal(t, 1, countRecords(t, svc, alice))
}

func TestExtractAndStore_UnrelatedStoresNewRecord(t *testing.T) {
	svc, _ := newTestService(t)

	remember(t, svc, alice, "I am vegetarian", Declarative, "dietary", "")
	remember(t, svc, alice, "I usually book boutique hotels", Procedural, "lodging", "")
	remember(t, svc, alice, "On our trip to Kyoto we loved the tea houses", Episodic, "trip", "Kyoto")

	assert.Equal(t, 3, countRecords(t, svc, alice))
	assert.Equal(t, 0, countRecords(t, svc, bob))
}

func TestExtractAndStore_IdentitiesDoNotConflict(t *testing.T) {
	svc, _ := newTestService(t)
	remember(t, svc, alice, "I am vegetarian", Declarative, "dietary", "")
	remember(t, svc, bob, "I love steak", Declarative, "dietary", "")

	assert.Equal(t, 1, countRecords(t, svc, alice))
	assert.Equal(t, 1, countRecords(t, svc, bob))
}

func TestExtractAndStore_EpisodicConflictsStayWithinDestination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	paris := remember(t, svc, alice, "In Paris I ate vegetarian every night", Episodic, "dietary", "Paris")

	out, err := svc.ExtractAndStore(ctx, Candidate{
		Identity: alice,
		Text:     "In Rome I ate steak every night",
		Type:     Episodic,
		Facets:   map[string]string{"category": "dietary"},
		Context:  &ContextTags{Destination: "Rome"},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Conflict)
	require.NotNil(t, out.Stored)

	out, err = svc.ExtractAndStore(ctx, Candidate{
		Identity: alice,
		Text:     "In Paris I ate steak every night",
		Type:     Episodic,
		Facets:   map[string]string{"category": "dietary"},
		Context:  &ContextTags{Destination: "paris"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, paris.ID, out.Conflict.ExistingID)
}

func TestExtractAndStore_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cand Candidate
	}{
		{"missing identity", Candidate{Text: "I am vegan", Type: Declarative}},
		{"empty text", Candidate{Identity: alice, Text: "   ", Type: Declarative}},
		{"bad type", Candidate{Identity: alice, Text: "I am vegan", Type: "semantic"}},
		{"episodic without destination", Candidate{Identity: alice, Text: "We loved the food", Type: Episodic}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ExtractAndStore(ctx, tc.cand)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, 0, countRecords(t, svc, alice))
}

func TestExtractAndStore_DropsContextForNonEpisodic(t *testing.T) {
	svc, _ := newTestService(t)
	rec := remember(t, svc, alice, "I am vegetarian", Declarative, "dietary", "Lisbon")
	assert.Nil(t, rec.Context)
	assert.Nil(t, rec.ExpiresAt)

	ep := remember(t, svc, alice, "During our visit to Lisbon we took the tram", Episodic, "trip", "Lisbon")
	require.NotNil(t, ep.ExpiresAt)
	assert.Equal(t, ep.CreatedAt.Add(svc.Policy().EpisodicRetention), *ep.ExpiresAt)
	assert.NotEmpty(t, ep.Justification)
}

func TestExtractAndStore_ClassifierFailureFailsClosed(t *testing.T) {
	svc, _ := newTestService(t, withClassifier(failingClassifier{err: errors.New("model overloaded")}))
	ctx := context.Background()

	// An empty store never reaches the classifier.
	remember(t, svc, alice, "I am vegetarian", Declarative, "dietary", "")

	_, err := svc.ExtractAndStore(ctx, Candidate{
		Identity: alice,
		Text:     "I really love a good steak",
		Type:     Declarative,
		Facets:   map[string]string{"category": "dietary"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictCheckUnavailable)
	assert.Equal(t, 1, countRecords(t, svc, alice))
}

func TestExtractAndStore_ClassifierTimeoutFailsClosed(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	svc, _ := newTestService(t, withClassifier(blockingClassifier{release: release}))
	svc.cfg.ClassifyTimeout = 50 * time.Millisecond

	remember(t, svc, alice, "I am vegetarian", Declarative, "dietary", "")

	start := time.Now()
	_, err := svc.ExtractAndStore(context.Background(), Candidate{
		Identity: alice,
		Text:     "I love steak",
		Type:     Declarative,
		Facets:   map[string]string{"category": "dietary"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictCheckUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, countRecords(t, svc, alice))
}

func TestExtractAndStore_EmbedderFailure(t *testing.T) {
	svc, _ := newTestService(t, withEmbedder(failingEmbedder{dims: 8}))

	_, err := svc.ExtractAndStore(context.Background(), Candidate{
		Identity: alice,
		Text:     "I am vegetarian",
		Type:     Declarative,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 0, countRecords(t, svc, alice))
}

func TestExtractAndStore_IndexFailureRollsBack(t *testing.T) {
	svc, _ := newTestService(t, withIndex(failingIndex{NewChromemIndex()}))

	_, err := svc.ExtractAndStore(context.Background(), Candidate{
		Identity: alice,
		Text:     "I am vegetarian",
		Type:     Declarative,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index offline")
	assert.Equal(t, 0, countRecords(t, svc, alice))
}

func TestExtractAndStore_ConcurrentContradictionsSerialize(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	texts := []string{"I am vegetarian", "I love steak"}
	outcomes := make([]StoreOutcome, len(texts))
	errs := make([]error, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.ExtractAndStore(ctx, Candidate{
				Identity: alice,
				Text:     text,
				Type:     Declarative,
				Facets:   map[string]string{"category": "dietary"},
			})
		}(i, text)
	}
	wg.Wait()

	stored, held := 0, 0
	for i := range texts {
		require.NoError(t, errs[i])
		if outcomes[i].Stored != nil {
			stored++
		}
		if outcomes[i].Conflict != nil {
			held++
		}
	}
	assert.Equal(t, 1, stored)
	assert.Equal(t, 1, held)
	assert.Equal(t, 1, countRecords(t, svc, alice))
}

func heldConflict(t *testing.T, svc *Service) (Record, Conflict) {
	t.Helper()
	existing := remember(t, svc, alice, "I am vegetarian", Declarative, "dietary", "")
	out, err := svc.ExtractAndStore(context.Background(), Candidate{
		Identity: alice,
		Text:     "I love steak",
		Type:     Declarative,
		Facets:   map[string]string{"category": "dietary"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Conflict)
	return existing, *out.Conflict
}

func TestResolveConflict_KeepExisting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	existing, c := heldConflict(t, svc)

	kept, err := svc.ResolveConflict(ctx, c.ID, KeepExisting)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, kept.ID)
	assert.Equal(t, 1, countRecords(t, svc, alice))

	got, err := svc.Store().GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, got.Status)
	assert.Equal(t, KeepExisting, got.Decision)
	assert.Equal(t, existing.ID, got.ResultingID)
	require.NotNil(t, got.ResolvedAt)
}

func TestResolveConflict_KeepNewReplaces(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	existing, c := heldConflict(t, svc)

	rec, err := svc.ResolveConflict(ctx, c.ID, KeepNew)
	require.NoError(t, err)
	assert.Equal(t, "I love steak", rec.Text)

	_, err = svc.GetMemory(ctx, existing.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, countRecords(t, svc, alice))

	hits, err := svc.Search(ctx, alice, "I love steak", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, rec.ID, hits[0].Record.ID)
}

func TestResolveConflict_KeepNewFailureKeepsExisting(t *testing.T) {
	idx := &flakyIndex{ChromemIndex: NewChromemIndex()}
	svc, _ := newTestService(t, withIndex(idx))
	ctx := context.Background()
	existing, c := heldConflict(t, svc)

	idx.down.Store(true)
	_, err := svc.ResolveConflict(ctx, c.ID, KeepNew)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index offline")

	got, err := svc.GetMemory(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "I am vegetarian", got.Text)
	assert.Equal(t, 1, countRecords(t, svc, alice))

	pending, err := svc.Store().GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictPending, pending.Status)

	hits, err := svc.Search(ctx, alice, "I am vegetarian", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, existing.ID, hits[0].Record.ID)

	idx.down.Store(false)
	kept, err := svc.ResolveConflict(ctx, c.ID, KeepExisting)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, kept.ID)
}

func TestResolveConflict_KeepBoth(t *testing.T) {
	svc, _ := newTestService(t)
	_, c := heldConflict(t, svc)

	_, err := svc.ResolveConflict(context.Background(), c.ID, KeepBoth)
	require.NoError(t, err)
	assert.Equal(t, 2, countRecords(t, svc, alice))
}

func TestResolveConflict_SecondResolutionRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, c := heldConflict(t, svc)

	_, err := svc.ResolveConflict(ctx, c.ID, KeepBoth)
	require.NoError(t, err)
	_, err = svc.ResolveConflict(ctx, c.ID, KeepNew)
	assert.ErrorIs(t, err, ErrConflictNotPending)
	assert.Equal(t, 2, countRecords(t, svc, alice))
}

func TestResolveConflict_KeepExistingAfterDeletion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	existing, c := heldConflict(t, svc)

	require.NoError(t, svc.DeleteMemory(ctx, existing.ID))
	_, err := svc.ResolveConflict(ctx, c.ID, KeepExisting)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := svc.Store().GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, got.Status)
}

func TestResolveConflict_UnknownAndInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ResolveConflict(ctx, "cfl-missing", KeepBoth)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ResolveConflict(ctx, "cfl-missing", Decision("merge"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFormatConflictPrompt(t *testing.T) {
	svc, _ := newTestService(t)
	_, c := heldConflict(t, svc)

	msg := FormatConflictPrompt([]Conflict{c})
	assert.Contains(t, msg, `You previously mentioned: "I am vegetarian"`)
	assert.Contains(t, msg, `But now you said: "I love steak"`)

	c.Status = ConflictResolved
	assert.Empty(t, FormatConflictPrompt([]Conflict{c}))
}
