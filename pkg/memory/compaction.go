package memory

import (
	"context"
	"strings"

	"github.com/dotsetgreg/tripmind/pkg/bus"
	"github.com/dotsetgreg/tripmind/pkg/logger"
)

// CheckCompaction moves a session to the requested phase once turnCount has
// grown by the compaction threshold since the last acknowledged boundary. A
// request is reported once; later calls return Requested=false with Pending
// set until AcknowledgeCompaction.
func (s *Service) CheckCompaction(ctx context.Context, sessionID string, turnCount int) (CompactionDecision, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CompactionDecision{}, &ValidationError{Field: "session_id", Reason: "required"}
	}
	if turnCount < 0 {
		return CompactionDecision{}, &ValidationError{Field: "turn_count", Reason: "must not be negative"}
	}

	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	st, ok, err := s.store.GetCompactionState(ctx, sessionID)
	if err != nil {
		return CompactionDecision{}, err
	}
	if !ok {
		st = CompactionState{SessionID: sessionID, Phase: PhaseActive}
	}

	if turnCount < st.CompactedThrough {
		// The caller restarted its turn numbering; start over.
		logger.InfoCF("memory", "Compaction state reset for session", map[string]interface{}{
			"session_id":        sessionID,
			"turn_count":        turnCount,
			"compacted_through": st.CompactedThrough,
		})
		st = CompactionState{SessionID: sessionID, Phase: PhaseActive}
		ok = false
	}

	if st.Phase == PhaseRequested {
		return CompactionDecision{Pending: true, Boundary: st.RequestedBoundary}, nil
	}
	if turnCount-st.CompactedThrough < s.policy.CompactionThreshold {
		if !ok {
			st.UpdatedAt = s.now()
			if err := s.store.SaveCompactionState(ctx, st); err != nil {
				return CompactionDecision{}, err
			}
		}
		return CompactionDecision{}, nil
	}

	st.Phase = PhaseRequested
	st.RequestedBoundary = turnCount
	st.UpdatedAt = s.now()
	if err := s.store.SaveCompactionState(ctx, st); err != nil {
		return CompactionDecision{}, err
	}
	s.metric(ctx, "memory.compaction.requested", 1, map[string]string{"session_id": sessionID})
	s.emit(bus.Event{Kind: bus.CompactionRequested, SessionID: sessionID, Count: turnCount})
	return CompactionDecision{Requested: true, Boundary: turnCount}, nil
}

// AcknowledgeCompaction records that the caller committed its summary. Turns
// before the returned boundary are eligible for expiration by the caller.
func (s *Service) AcknowledgeCompaction(ctx context.Context, sessionID string) (CompactionAck, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CompactionAck{}, &ValidationError{Field: "session_id", Reason: "required"}
	}

	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	st, ok, err := s.store.GetCompactionState(ctx, sessionID)
	if err != nil {
		return CompactionAck{}, err
	}
	if !ok || st.Phase != PhaseRequested {
		return CompactionAck{}, ErrCompactionNotRequested
	}
	boundary := st.RequestedBoundary
	st.Phase = PhaseActive
	st.CompactedThrough = boundary
	st.RequestedBoundary = 0
	st.UpdatedAt = s.now()
	if err := s.store.SaveCompactionState(ctx, st); err != nil {
		return CompactionAck{}, err
	}
	s.metric(ctx, "memory.compaction.acknowledged", 1, map[string]string{"session_id": sessionID})
	return CompactionAck{Boundary: boundary, ExpireEligible: true}, nil
}
