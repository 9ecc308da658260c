package memory

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// idSource issues time-sortable memory ids. ulid entropy readers are not safe
// for concurrent use, so access is serialized.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *idSource) memoryID(at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "mem-" + ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

func conflictID() string {
	return "cfl-" + uuid.NewString()
}
