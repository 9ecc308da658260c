package memory

import (
	"context"
	"strings"

	"github.com/dotsetgreg/tripmind/pkg/logger"
)

// Suggest picks active memories the current turn has not mentioned, highest
// salience first, at most min(limit, MaxSuggestions). It does not mark the
// memories used; feedback does.
func (s *Service) Suggest(ctx context.Context, ident Identity, rc RecallContext, turnText string, limit int) ([]Suggestion, error) {
	if !ident.valid() {
		return nil, &ValidationError{Field: "identity", Reason: "tenant_id and user_id are required"}
	}
	capN := s.policy.MaxSuggestions
	if limit > 0 && limit < capN {
		capN = limit
	}
	active, err := s.activeSet(ctx, ident, rc, s.now())
	if err != nil {
		return nil, err
	}

	turn := newTurnMatcher(turnText)
	if turn.text != "" {
		vec, err := s.embed(ctx, turnText)
		if err != nil {
			logger.WarnCF("memory", "Turn embedding unavailable, using lexical mention check only", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			turn.vec = vec
		}
	}

	out := make([]Suggestion, 0, capN)
	for _, r := range active {
		if len(out) >= capN {
			break
		}
		if r.Salience < s.policy.MinSuggestSalience {
			continue
		}
		if turn.mentions(r, s.policy.MentionThreshold) {
			continue
		}
		out = append(out, Suggestion{
			MemoryID:      r.ID,
			Text:          r.Text,
			Type:          r.Type,
			Salience:      r.Salience,
			Justification: suggestionJustification(r),
		})
	}
	s.metric(ctx, "memory.suggest.returned", float64(len(out)), identityLabels(ident))
	return out, nil
}

// RecordSuggestionFeedback raises salience and marks the memory used on
// accept; on decline it lowers salience without deleting the record.
func (s *Service) RecordSuggestionFeedback(ctx context.Context, memoryID string, accepted bool) (Record, error) {
	if strings.TrimSpace(memoryID) == "" {
		return Record{}, &ValidationError{Field: "memory_id", Reason: "required"}
	}
	now := s.now()
	var (
		rec Record
		err error
	)
	if accepted {
		rec, err = s.store.UpdateSalience(ctx, memoryID, s.policy.accept, &now, now)
	} else {
		rec, err = s.store.UpdateSalience(ctx, memoryID, s.policy.decline, nil, now)
	}
	if err != nil {
		return Record{}, err
	}
	outcome := "declined"
	if accepted {
		outcome = "accepted"
	}
	s.metric(ctx, "memory.suggest.feedback", 1, map[string]string{"outcome": outcome})
	return rec, nil
}

type turnMatcher struct {
	text   string
	tokens map[string]bool
	vec    []float32
}

func newTurnMatcher(text string) turnMatcher {
	m := turnMatcher{text: normalizeText(text), tokens: map[string]bool{}}
	for _, t := range contentTokens(text) {
		m.tokens[t] = true
	}
	return m
}

// mentions reports whether the turn already references the record: its text
// appears verbatim, all of its content words appear, or the embeddings are
// at least threshold similar.
func (m turnMatcher) mentions(r Record, threshold float64) bool {
	if m.text == "" {
		return false
	}
	if rt := normalizeText(r.Text); rt != "" && strings.Contains(m.text, rt) {
		return true
	}
	words := contentTokens(r.Text)
	if len(words) > 0 {
		all := true
		for _, w := range words {
			if !m.tokens[w] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return len(m.vec) > 0 && cosineSimilarity(m.vec, r.Embedding) >= threshold
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func suggestionJustification(r Record) string {
	if j := strings.TrimSpace(r.Justification); j != "" {
		return j
	}
	switch r.Type {
	case Episodic:
		if r.Context != nil {
			return "From your earlier trip to " + r.Context.Destination
		}
	case Procedural:
		return "Based on how you usually travel"
	}
	return "Based on what you've told me before"
}
