package memory

import (
	"strings"
	"time"
)

const (
	defaultRetention           = 90 * 24 * time.Hour
	defaultMaxSuggestions      = 3
	defaultCompactionThreshold = 10
	defaultConflictK           = 5
	defaultRecallLimit         = 20
)

// Policy holds the tunable memory rules. Zero fields fall back to defaults
// in NewPolicy.
type Policy struct {
	EpisodicRetention   time.Duration
	InitialSalience     float64
	ReinforceStep       float64
	AcceptBoost         float64
	DeclineFactor       float64
	MinSuggestSalience  float64
	MaxSuggestions      int
	CompactionThreshold int
	ConflictK           int
	RecallLimit         int

	// Similarity at or above ReinforceThreshold with matching polarity is a
	// restatement; at or above ContradictThreshold with opposite polarity it
	// is a contradiction.
	ReinforceThreshold  float64
	ContradictThreshold float64
	// MentionThreshold is the turn/memory cosine above which a memory counts
	// as already referenced by the turn.
	MentionThreshold float64

	FuzzyDestination bool
}

func NewPolicy(p Policy) Policy {
	if p.EpisodicRetention <= 0 {
		p.EpisodicRetention = defaultRetention
	}
	if p.InitialSalience <= 0 || p.InitialSalience > 1 {
		p.InitialSalience = 0.6
	}
	if p.ReinforceStep <= 0 {
		p.ReinforceStep = 0.1
	}
	if p.AcceptBoost <= 0 {
		p.AcceptBoost = 0.1
	}
	if p.DeclineFactor <= 0 || p.DeclineFactor >= 1 {
		p.DeclineFactor = 0.2
	}
	if p.MinSuggestSalience < 0 {
		p.MinSuggestSalience = 0
	}
	if p.MaxSuggestions <= 0 {
		p.MaxSuggestions = defaultMaxSuggestions
	}
	if p.CompactionThreshold <= 0 {
		p.CompactionThreshold = defaultCompactionThreshold
	}
	if p.ConflictK <= 0 {
		p.ConflictK = defaultConflictK
	}
	if p.RecallLimit <= 0 {
		p.RecallLimit = defaultRecallLimit
	}
	if p.ReinforceThreshold <= 0 {
		p.ReinforceThreshold = 0.8
	}
	if p.ContradictThreshold <= 0 {
		p.ContradictThreshold = 0.45
	}
	if p.MentionThreshold <= 0 {
		p.MentionThreshold = 0.85
	}
	return p
}

func DefaultPolicy() Policy { return NewPolicy(Policy{}) }

// ExpiresAt returns the expiry for a record of type t created at createdAt.
// Only episodic records expire.
func (p Policy) ExpiresAt(t MemoryType, createdAt time.Time) *time.Time {
	if t != Episodic {
		return nil
	}
	exp := createdAt.Add(p.EpisodicRetention)
	return &exp
}

// Active decides whether a record belongs to the active set for ctx.
func (p Policy) Active(r Record, ctx RecallContext) bool {
	switch r.Type {
	case Declarative, Procedural:
		return true
	case Episodic:
		if r.Context == nil {
			return false
		}
		return p.destinationMatch(r.Context.Destination, ctx.Destination)
	default:
		return false
	}
}

func (p Policy) destinationMatch(tagged, current string) bool {
	tagged = normalizeDestination(tagged)
	current = normalizeDestination(current)
	if tagged == "" || current == "" {
		return false
	}
	if tagged == current {
		return true
	}
	if !p.FuzzyDestination {
		return false
	}
	// Fuzzy matching ignores qualifiers: "Kyoto, Japan" and "Kyoto" name the
	// same place, "San Diego" and "San Francisco" do not.
	return primaryPlace(tagged) == primaryPlace(current)
}

func primaryPlace(dest string) string {
	if i := strings.IndexByte(dest, ','); i >= 0 {
		dest = dest[:i]
	}
	return strings.TrimSpace(dest)
}

func normalizeDestination(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func clampSalience(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (p Policy) reinforce(s float64) float64 { return clampSalience(s + p.ReinforceStep) }
func (p Policy) accept(s float64) float64    { return clampSalience(s + p.AcceptBoost) }

// decline shrinks salience multiplicatively so repeated declines fade the
// record without ever reaching zero.
func (p Policy) decline(s float64) float64 { return clampSalience(s * (1 - p.DeclineFactor)) }
