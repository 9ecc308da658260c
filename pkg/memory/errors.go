package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the record or conflict id does not exist or has expired.
	ErrNotFound = errors.New("memory not found")

	// ErrConflictCheckUnavailable indicates similarity search or classification
	// failed or timed out. The write was rejected and may be retried.
	ErrConflictCheckUnavailable = errors.New("memory conflict check unavailable")

	// ErrEmbeddingUnavailable indicates the embedder failed or timed out.
	ErrEmbeddingUnavailable = errors.New("memory embedding unavailable")

	ErrConflictNotPending     = errors.New("memory conflict already resolved")
	ErrCompactionNotRequested = errors.New("compaction not requested for session")

	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("memory validation failed")
)

// ValidationError reports a malformed record. Nothing is stored when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
