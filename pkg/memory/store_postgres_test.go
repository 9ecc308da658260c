package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set TRIPMIND_TEST_POSTGRES_URL to a database with the pgvector extension
// available to run these.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TRIPMIND_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TRIPMIND_TEST_POSTGRES_URL not set")
	}
	store, err := NewPostgresStore(context.Background(), url, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	ident := Identity{TenantID: "pg-" + uuid.NewString(), UserID: "alice"}

	veg := storeRecord("pg-"+uuid.NewString(), ident, Declarative, "I am vegetarian", now)
	veg.Facets = map[string]string{"category": "dietary"}
	require.NoError(t, store.Put(ctx, veg))
	ep := storeRecord("pg-"+uuid.NewString(), ident, Episodic, "We loved the tea houses", now)
	ep.Embedding = []float32{1, 0}
	require.NoError(t, store.Put(ctx, ep))
	t.Cleanup(func() {
		_ = store.Delete(context.Background(), veg.ID)
		_ = store.Delete(context.Background(), ep.ID)
	})

	got, err := store.GetByID(ctx, veg.ID, now)
	require.NoError(t, err)
	assert.Equal(t, veg.Text, got.Text)
	assert.InDeltaSlice(t, veg.Embedding, got.Embedding, 1e-6)

	byFacet, err := store.Get(ctx, ident, Filter{Facets: map[string]string{"category": "DIETARY"}}, now)
	require.NoError(t, err)
	require.Len(t, byFacet, 1)
	assert.Equal(t, veg.ID, byFacet[0].ID)

	hits, err := store.Search(ctx, ident, []float32{0.6, 0.8}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, veg.ID, hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)

	hits, err = store.Search(ctx, ident, []float32{0.6, 0.8}, 5, Filter{Type: Episodic})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ep.ID, hits[0].ID)

	later := now.Add(91 * 24 * time.Hour)
	_, err = store.GetByID(ctx, ep.ID, later)
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := store.UpdateSalience(ctx, veg.ID, DefaultPolicy().accept, &later, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, updated.Salience, 1e-9)
}
