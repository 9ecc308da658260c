package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dotsetgreg/tripmind/pkg/logger"
)

// similar runs an index search and resolves every hit against the store.
// Hits that no longer resolve to a live record of the identity are dropped
// from the result and purged from the index.
func (s *Service) similar(ctx context.Context, ident Identity, query []float32, k int, filter Filter, now time.Time) ([]ScoredRecord, error) {
	hits, err := s.index.Search(ctx, ident, query, k, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredRecord, 0, len(hits))
	for _, h := range hits {
		rec, err := s.store.GetByID(ctx, h.ID, now)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.dropDangling(ctx, h.ID)
				continue
			}
			return nil, fmt.Errorf("resolve index hit %s: %w", h.ID, err)
		}
		if rec.Identity() != ident || !filter.Match(rec) {
			continue
		}
		out = append(out, ScoredRecord{Record: rec, Similarity: h.Similarity})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity == out[j].Similarity {
			return out[i].Record.LastUsedAt.After(out[j].Record.LastUsedAt)
		}
		return out[i].Similarity > out[j].Similarity
	})
	return out, nil
}

func (s *Service) dropDangling(ctx context.Context, id string) {
	if err := s.index.Remove(ctx, id); err != nil {
		logger.WarnCF("memory", "Failed to remove dangling index entry", map[string]interface{}{
			"memory_id": id,
			"error":     err.Error(),
		})
		return
	}
	s.metric(ctx, "memory.index.dangling_removed", 1, nil)
}
