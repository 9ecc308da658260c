package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dotsetgreg/tripmind/pkg/logger"
)

// activeSet loads the identity's live records and keeps those the policy
// considers active for rc, ranked by salience then recency.
func (s *Service) activeSet(ctx context.Context, ident Identity, rc RecallContext, now time.Time) ([]Record, error) {
	records, err := s.store.Get(ctx, ident, Filter{}, now)
	if err != nil {
		return nil, err
	}
	active := records[:0]
	for _, r := range records {
		if s.policy.Active(r, rc) {
			active = append(active, r)
		}
	}
	rankBySalience(active)
	return active, nil
}

func rankBySalience(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Salience == records[j].Salience {
			return records[i].LastUsedAt.After(records[j].LastUsedAt)
		}
		return records[i].Salience > records[j].Salience
	})
}

// Recall returns the active memories for rc, capped at limit, and marks them
// used. Declarative and procedural records are always active; episodic ones
// only when their destination matches rc.
func (s *Service) Recall(ctx context.Context, ident Identity, rc RecallContext, limit int) ([]Record, error) {
	if !ident.valid() {
		return nil, &ValidationError{Field: "identity", Reason: "tenant_id and user_id are required"}
	}
	if limit <= 0 {
		limit = s.policy.RecallLimit
	}
	now := s.now()
	active, err := s.activeSet(ctx, ident, rc, now)
	if err != nil {
		return nil, err
	}
	if len(active) > limit {
		active = active[:limit]
	}
	for i := range active {
		if err := s.store.Touch(ctx, active[i].ID, now); err != nil {
			logger.WarnCF("memory", "Failed to touch recalled memory", map[string]interface{}{
				"memory_id": active[i].ID,
				"error":     err.Error(),
			})
			continue
		}
		if now.After(active[i].LastUsedAt) {
			active[i].LastUsedAt = now
		}
	}
	s.metric(ctx, "memory.recall.returned", float64(len(active)), identityLabels(ident))
	return active, nil
}
