package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/tripmind/pkg/bus"
	"github.com/dotsetgreg/tripmind/pkg/logger"
)

// verdict is the detector's decision for one candidate.
type verdict struct {
	relation   Relation
	existing   Record
	similarity float64
}

// detect compares rec against the top-k records of its category. Any
// contradiction wins over reinforcement; the most similar reinforcing record
// is reported otherwise. Search or classifier failures are returned as
// ErrConflictCheckUnavailable.
func (s *Service) detect(ctx context.Context, rec Record, now time.Time) (verdict, error) {
	filter := categoryFilter(rec)
	neighbours, err := withTimeout(ctx, s.cfg.ClassifyTimeout, func(ctx context.Context) ([]ScoredRecord, error) {
		return s.similar(ctx, rec.Identity(), rec.Embedding, s.policy.ConflictK, filter, now)
	})
	if err != nil {
		return verdict{}, fmt.Errorf("%w: similarity search: %v", ErrConflictCheckUnavailable, err)
	}

	var reinforcing *verdict
	for _, n := range neighbours {
		rel, err := withTimeout(ctx, s.cfg.ClassifyTimeout, func(ctx context.Context) (Relation, error) {
			return s.classifier.Classify(ctx, n.Record.Text, rec.Text, n.Similarity)
		})
		if err != nil {
			return verdict{}, fmt.Errorf("%w: classify: %v", ErrConflictCheckUnavailable, err)
		}
		switch rel {
		case Contradicts:
			return verdict{relation: Contradicts, existing: n.Record, similarity: n.Similarity}, nil
		case Reinforces:
			if reinforcing == nil {
				reinforcing = &verdict{relation: Reinforces, existing: n.Record, similarity: n.Similarity}
			}
		case Unrelated:
		default:
			return verdict{}, fmt.Errorf("%w: classifier returned %q", ErrConflictCheckUnavailable, rel)
		}
	}
	if reinforcing != nil {
		return *reinforcing, nil
	}
	return verdict{relation: Unrelated}, nil
}

// ExtractAndStore runs a candidate through conflict detection and commits it
// when it is unrelated to everything stored. The check and the commit happen
// under the identity lock.
func (s *Service) ExtractAndStore(ctx context.Context, cand Candidate) (StoreOutcome, error) {
	rec, err := s.prepare(ctx, cand)
	if err != nil {
		return StoreOutcome{}, err
	}

	unlock := s.identityLocks.Lock(cand.Identity.Key())
	defer unlock()

	now := s.now()
	v, err := s.detect(ctx, rec, now)
	if err != nil {
		s.metric(ctx, "memory.conflict.check_unavailable", 1, identityLabels(cand.Identity))
		return StoreOutcome{}, err
	}

	switch v.relation {
	case Contradicts:
		c := Conflict{
			ID:           conflictID(),
			TenantID:     rec.TenantID,
			UserID:       rec.UserID,
			ExistingID:   v.existing.ID,
			ExistingText: v.existing.Text,
			Candidate:    rec,
			Similarity:   v.similarity,
			Status:       ConflictPending,
			DetectedAt:   now,
		}
		if err := s.store.SaveConflict(ctx, c); err != nil {
			return StoreOutcome{}, err
		}
		s.metric(ctx, "memory.conflict.detected", 1, identityLabels(cand.Identity))
		s.emit(bus.Event{Kind: bus.ConflictDetected, TenantID: c.TenantID, UserID: c.UserID, MemoryID: c.ExistingID, ConflictID: c.ID})
		logger.InfoCF("memory", "Conflicting memory held for clarification", map[string]interface{}{
			"conflict_id": c.ID,
			"existing_id": c.ExistingID,
			"user_id":     c.UserID,
		})
		return StoreOutcome{Conflict: &c}, nil

	case Reinforces:
		updated, err := s.store.UpdateSalience(ctx, v.existing.ID, s.policy.reinforce, &now, now)
		if err == nil {
			s.metric(ctx, "memory.reinforced", 1, identityLabels(cand.Identity))
			return StoreOutcome{Stored: &updated, Reinforced: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return StoreOutcome{}, err
		}
		// The reinforced record expired or was deleted meanwhile; store the
		// candidate as new.
	}

	if err := s.commit(ctx, rec); err != nil {
		return StoreOutcome{}, err
	}
	s.metric(ctx, "memory.stored", 1, map[string]string{"memory_type": string(rec.Type)})
	return StoreOutcome{Stored: &rec}, nil
}

// prepare validates a candidate and builds its record, embedding included.
func (s *Service) prepare(ctx context.Context, cand Candidate) (Record, error) {
	if !cand.Identity.valid() {
		return Record{}, &ValidationError{Field: "identity", Reason: "tenant_id and user_id are required"}
	}
	text := strings.TrimSpace(cand.Text)
	if text == "" {
		return Record{}, &ValidationError{Field: "text", Reason: "required"}
	}
	if !cand.Type.Valid() {
		return Record{}, &ValidationError{Field: "memory_type", Reason: "must be declarative, procedural or episodic"}
	}
	var tags *ContextTags
	if cand.Type == Episodic {
		if cand.Context == nil || strings.TrimSpace(cand.Context.Destination) == "" {
			return Record{}, &ValidationError{Field: "context.destination", Reason: "required for episodic records"}
		}
		c := ContextTags{
			Destination: strings.TrimSpace(cand.Context.Destination),
			TripType:    strings.TrimSpace(cand.Context.TripType),
			Season:      strings.TrimSpace(cand.Context.Season),
		}
		tags = &c
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return Record{}, err
	}
	now := s.now()
	justification := strings.TrimSpace(cand.Justification)
	if justification == "" {
		justification = fmt.Sprintf("You told me: %q", text)
	}
	rec := Record{
		ID:            s.ids.memoryID(now),
		TenantID:      cand.Identity.TenantID,
		UserID:        cand.Identity.UserID,
		Type:          cand.Type,
		Text:          text,
		Facets:        cloneFacets(cand.Facets),
		Embedding:     vec,
		Salience:      s.policy.InitialSalience,
		Justification: justification,
		Context:       tags,
		CreatedAt:     now,
		LastUsedAt:    now,
		ExpiresAt:     s.policy.ExpiresAt(cand.Type, now),
	}
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ResolveConflict applies the user's decision to a pending conflict and
// returns the record that now stands for it.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, decision Decision) (Record, error) {
	switch decision {
	case KeepExisting, KeepNew, KeepBoth:
	default:
		return Record{}, &ValidationError{Field: "decision", Reason: "must be keep_existing, keep_new or keep_both"}
	}
	c, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return Record{}, err
	}

	unlock := s.identityLocks.Lock(c.Identity().Key())
	defer unlock()

	// Re-read under the lock: a second device may have resolved it first.
	c, err = s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return Record{}, err
	}
	if c.Status != ConflictPending {
		return Record{}, ErrConflictNotPending
	}

	now := s.now()
	var result Record
	var resultErr error
	switch decision {
	case KeepExisting:
		result, resultErr = s.store.GetByID(ctx, c.ExistingID, now)
		if resultErr != nil && !errors.Is(resultErr, ErrNotFound) {
			return Record{}, resultErr
		}
	case KeepNew:
		// The replacement must be durable before the old record goes.
		result, err = s.commitCandidate(ctx, c.Candidate, now)
		if err != nil {
			return Record{}, err
		}
		if err := s.store.Delete(ctx, c.ExistingID); err != nil {
			s.discard(ctx, result.ID)
			return Record{}, err
		}
		if err := s.index.Remove(ctx, c.ExistingID); err != nil {
			logger.WarnCF("memory", "Replaced memory left in index", map[string]interface{}{
				"memory_id": c.ExistingID,
				"error":     err.Error(),
			})
		}
	case KeepBoth:
		result, err = s.commitCandidate(ctx, c.Candidate, now)
		if err != nil {
			return Record{}, err
		}
	}

	c.Status = ConflictResolved
	c.Decision = decision
	c.ResolvedAt = &now
	c.ResultingID = result.ID
	if err := s.store.SaveConflict(ctx, c); err != nil {
		return Record{}, err
	}
	s.metric(ctx, "memory.conflict.resolved", 1, map[string]string{"decision": string(decision)})
	s.emit(bus.Event{Kind: bus.ConflictResolved, TenantID: c.TenantID, UserID: c.UserID, MemoryID: c.ResultingID, ConflictID: c.ID})
	if resultErr != nil {
		// The kept record vanished before the user answered; the conflict is
		// still closed.
		return Record{}, resultErr
	}
	return result, nil
}

func (s *Service) commitCandidate(ctx context.Context, rec Record, now time.Time) (Record, error) {
	rec.CreatedAt = now
	rec.LastUsedAt = now
	rec.ExpiresAt = s.policy.ExpiresAt(rec.Type, now)
	if len(rec.Embedding) != s.embedder.Dims() {
		vec, err := s.embed(ctx, rec.Text)
		if err != nil {
			return Record{}, err
		}
		rec.Embedding = vec
	}
	if err := s.commit(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListConflicts returns conflicts for an identity, newest first. An empty
// status lists all of them.
func (s *Service) ListConflicts(ctx context.Context, ident Identity, status ConflictStatus) ([]Conflict, error) {
	if !ident.valid() {
		return nil, &ValidationError{Field: "identity", Reason: "tenant_id and user_id are required"}
	}
	return s.store.ListConflicts(ctx, ident, status, 0)
}
