package memory

import (
	"context"
	"time"
)

// Store provides durable persistence for all memory state. Reads filter out
// records whose expiry is at or before now.
type Store interface {
	Close() error

	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, ident Identity, filter Filter, now time.Time) ([]Record, error)
	GetByID(ctx context.Context, id string, now time.Time) (Record, error)
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
	// UpdateSalience applies adjust to the stored salience in one transaction.
	// A non-nil touchAt also moves LastUsedAt.
	UpdateSalience(ctx context.Context, id string, adjust func(float64) float64, touchAt *time.Time, now time.Time) (Record, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Record, error)
	ListLive(ctx context.Context, now time.Time) ([]Record, error)

	SaveConflict(ctx context.Context, c Conflict) error
	GetConflict(ctx context.Context, id string) (Conflict, error)
	ListConflicts(ctx context.Context, ident Identity, status ConflictStatus, limit int) ([]Conflict, error)

	GetCompactionState(ctx context.Context, sessionID string) (CompactionState, bool, error)
	SaveCompactionState(ctx context.Context, st CompactionState) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Index is the similarity index over record embeddings. Hits may reference
// records that have since expired; callers post-filter against the Store.
type Index interface {
	Index(ctx context.Context, rec Record) error
	Search(ctx context.Context, ident Identity, query []float32, k int, filter Filter) ([]Hit, error)
	Remove(ctx context.Context, id string) error
}

// Classifier decides how a candidate statement relates to an existing one.
type Classifier interface {
	Classify(ctx context.Context, existing, candidate string, similarity float64) (Relation, error)
}

// validateRecord rejects records that must never reach storage.
func validateRecord(r Record) error {
	switch {
	case r.ID == "":
		return &ValidationError{Field: "id", Reason: "required"}
	case !r.Identity().valid():
		return &ValidationError{Field: "identity", Reason: "tenant_id and user_id are required"}
	case !r.Type.Valid():
		return &ValidationError{Field: "memory_type", Reason: "must be declarative, procedural or episodic"}
	case r.Text == "":
		return &ValidationError{Field: "text", Reason: "required"}
	case len(r.Embedding) == 0:
		return &ValidationError{Field: "embedding", Reason: "required"}
	case r.Salience < 0 || r.Salience > 1 || r.Salience != r.Salience:
		return &ValidationError{Field: "salience", Reason: "must be within [0,1]"}
	case r.CreatedAt.IsZero():
		return &ValidationError{Field: "created_at", Reason: "required"}
	}
	if r.Type == Episodic {
		if r.ExpiresAt == nil {
			return &ValidationError{Field: "expires_at", Reason: "required for episodic records"}
		}
		if r.Context == nil || r.Context.Destination == "" {
			return &ValidationError{Field: "context.destination", Reason: "required for episodic records"}
		}
	} else {
		if r.ExpiresAt != nil {
			return &ValidationError{Field: "expires_at", Reason: "only episodic records expire"}
		}
		if r.Context != nil && !r.Context.Empty() {
			return &ValidationError{Field: "context", Reason: "only episodic records carry context tags"}
		}
	}
	return nil
}
