package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const (
	metaMemoryType  = "memory_type"
	metaFacetPrefix = "facet:"
	metaDestination = "destination"
)

// ChromemIndex is the in-process similarity index. Each identity gets its own
// collection so searches can never cross tenants.
type ChromemIndex struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	owners      map[string]string
}

func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: map[string]*chromem.Collection{},
		owners:      map[string]string{},
	}
}

func (x *ChromemIndex) collection(ident Identity, create bool) (*chromem.Collection, error) {
	key := ident.Key()
	x.mu.RLock()
	col, ok := x.collections[key]
	x.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[key]; ok {
		return col, nil
	}
	// Embeddings are always supplied, so no embedding func is configured.
	col, err := x.db.CreateCollection("memories:"+key, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create index collection: %w", err)
	}
	x.collections[key] = col
	return col, nil
}

func (x *ChromemIndex) Index(ctx context.Context, rec Record) error {
	if len(rec.Embedding) == 0 {
		return &ValidationError{Field: "embedding", Reason: "required"}
	}
	col, err := x.collection(rec.Identity(), true)
	if err != nil {
		return err
	}
	meta := map[string]string{metaMemoryType: string(rec.Type)}
	for k, v := range rec.Facets {
		meta[metaFacetPrefix+strings.ToLower(k)] = strings.ToLower(v)
	}
	if rec.Context != nil && rec.Context.Destination != "" {
		meta[metaDestination] = normalizeDestination(rec.Context.Destination)
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: append([]float32(nil), rec.Embedding...),
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index memory %s: %w", rec.ID, err)
	}
	x.mu.Lock()
	x.owners[rec.ID] = rec.Identity().Key()
	x.mu.Unlock()
	return nil
}

func (x *ChromemIndex) Search(ctx context.Context, ident Identity, query []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	col, err := x.collection(ident, false)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, nil
	}
	// chromem requires nResults <= collection size.
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	var where map[string]string
	dest := normalizeDestination(filter.Destination)
	if filter.Type != "" || len(filter.Facets) > 0 || dest != "" {
		where = map[string]string{}
		if filter.Type != "" {
			where[metaMemoryType] = string(filter.Type)
		}
		for k, v := range filter.Facets {
			where[metaFacetPrefix+strings.ToLower(k)] = strings.ToLower(v)
		}
		if dest != "" {
			where[metaDestination] = dest
		}
	}
	results, err := col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

// Remove is idempotent.
func (x *ChromemIndex) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	key, ok := x.owners[id]
	var col *chromem.Collection
	if ok {
		col = x.collections[key]
		delete(x.owners, id)
	}
	x.mu.Unlock()
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("remove memory %s from index: %w", id, err)
	}
	return nil
}

// Len reports how many embeddings are indexed.
func (x *ChromemIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.owners)
}
