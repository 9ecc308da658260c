package memory

import (
	"sort"
	"strings"
	"time"
)

// MemoryType classifies a record. It is fixed at creation.
type MemoryType string

const (
	// Declarative records are permanent facts, e.g. a dietary restriction.
	Declarative MemoryType = "declarative"
	// Procedural records are permanent behavioral patterns, e.g. a price tier.
	Procedural MemoryType = "procedural"
	// Episodic records are bound to a trip context and expire.
	Episodic MemoryType = "episodic"
)

// ParseMemoryType validates a raw type name.
func ParseMemoryType(s string) (MemoryType, error) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "memory_type", Reason: "must be declarative, procedural or episodic"}
	}
	return t, nil
}

func (t MemoryType) Valid() bool {
	switch t {
	case Declarative, Procedural, Episodic:
		return true
	default:
		return false
	}
}

// Identity scopes every operation to one user within one tenant.
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

func (i Identity) Key() string { return i.TenantID + "/" + i.UserID }

func (i Identity) valid() bool {
	return strings.TrimSpace(i.TenantID) != "" && strings.TrimSpace(i.UserID) != ""
}

// ContextTags describe the trip an episodic record belongs to.
type ContextTags struct {
	Destination string `json:"destination,omitempty"`
	TripType    string `json:"trip_type,omitempty"`
	Season      string `json:"season,omitempty"`
}

func (c ContextTags) Empty() bool {
	return strings.TrimSpace(c.Destination) == "" &&
		strings.TrimSpace(c.TripType) == "" &&
		strings.TrimSpace(c.Season) == ""
}

// RecallContext is the session context supplied by the orchestration layer.
type RecallContext = ContextTags

// Record is one stored memory.
type Record struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	UserID        string            `json:"user_id"`
	Type          MemoryType        `json:"memory_type"`
	Text          string            `json:"text"`
	Facets        map[string]string `json:"facets,omitempty"`
	Embedding     []float32         `json:"-"`
	Salience      float64           `json:"salience"`
	Justification string            `json:"justification,omitempty"`
	Context       *ContextTags      `json:"context,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUsedAt    time.Time         `json:"last_used_at"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

func (r Record) Identity() Identity {
	return Identity{TenantID: r.TenantID, UserID: r.UserID}
}

// Expired reports whether the record is logically deleted at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Filter narrows Get results. Zero values match everything.
type Filter struct {
	Type   MemoryType
	Facets map[string]string
	// Destination, when set, only matches records tagged to that place.
	Destination string
}

func (f Filter) Match(r Record) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	for k, v := range f.Facets {
		if !strings.EqualFold(r.Facets[k], v) {
			return false
		}
	}
	if dest := normalizeDestination(f.Destination); dest != "" {
		if r.Context == nil || normalizeDestination(r.Context.Destination) != dest {
			return false
		}
	}
	return true
}

// categoryFilter is the conflict-detection scope for a candidate. Episodic
// memories only compete with memories from the same trip destination.
func categoryFilter(rec Record) Filter {
	f := Filter{Type: rec.Type, Facets: rec.Facets}
	if rec.Type == Episodic && rec.Context != nil {
		f.Destination = rec.Context.Destination
	}
	return f
}

// ScoredRecord pairs a record with its similarity to a query.
type ScoredRecord struct {
	Record     Record  `json:"record"`
	Similarity float64 `json:"similarity"`
}

// Hit is a raw index result before store post-filtering.
type Hit struct {
	ID         string
	Similarity float64
}

// Candidate is an unvalidated memory proposed for storage.
type Candidate struct {
	Identity      Identity
	Text          string
	Type          MemoryType
	Facets        map[string]string
	Context       *ContextTags
	Justification string
}

// Relation is the classifier verdict for a candidate/existing pair.
type Relation string

const (
	Reinforces  Relation = "reinforces"
	Unrelated   Relation = "unrelated"
	Contradicts Relation = "contradicts"
)

// ConflictStatus tracks a held candidate.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// Decision is the user's answer to a clarification prompt.
type Decision string

const (
	KeepExisting Decision = "keep_existing"
	KeepNew      Decision = "keep_new"
	KeepBoth     Decision = "keep_both"
)

func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep_existing", "existing":
		return KeepExisting, nil
	case "keep_new", "new":
		return KeepNew, nil
	case "keep_both", "both":
		return KeepBoth, nil
	default:
		return "", &ValidationError{Field: "decision", Reason: "must be keep_existing, keep_new or keep_both"}
	}
}

// Conflict holds a candidate that contradicts an existing record until the
// user clarifies. Resolved conflicts stay as the resolution record.
type Conflict struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	ExistingID   string         `json:"existing_id"`
	ExistingText string         `json:"existing_text"`
	Candidate    Record         `json:"candidate"`
	Similarity   float64        `json:"similarity"`
	Status       ConflictStatus `json:"status"`
	Decision     Decision       `json:"decision,omitempty"`
	ResultingID  string         `json:"resulting_id,omitempty"`
	DetectedAt   time.Time      `json:"detected_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

func (c Conflict) Identity() Identity {
	return Identity{TenantID: c.TenantID, UserID: c.UserID}
}

// StoreOutcome is the result of ExtractAndStore: exactly one of Stored or
// Conflict is set.
type StoreOutcome struct {
	Stored     *Record   `json:"stored,omitempty"`
	Reinforced bool      `json:"reinforced,omitempty"`
	Conflict   *Conflict `json:"conflict,omitempty"`
}

// Suggestion is a memory surfaced proactively, with the provenance shown to
// the user. Feedback is recorded against MemoryID.
type Suggestion struct {
	MemoryID      string     `json:"memory_id"`
	Text          string     `json:"text"`
	Type          MemoryType `json:"memory_type"`
	Salience      float64    `json:"salience"`
	Justification string     `json:"justification"`
}

// CompactionPhase is the trigger state of one session.
type CompactionPhase string

const (
	PhaseActive    CompactionPhase = "active"
	PhaseRequested CompactionPhase = "compaction_requested"
)

// CompactionState is the persisted per-session trigger state.
type CompactionState struct {
	SessionID         string          `json:"session_id"`
	Phase             CompactionPhase `json:"phase"`
	CompactedThrough  int             `json:"compacted_through"`
	RequestedBoundary int             `json:"requested_boundary"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CompactionDecision is returned by CheckCompaction.
type CompactionDecision struct {
	Requested bool `json:"requested"`
	Pending   bool `json:"pending,omitempty"`
	Boundary  int  `json:"boundary,omitempty"`
}

// CompactionAck is returned once the caller has committed its summary.
// Turns before Boundary may be expired by the caller.
type CompactionAck struct {
	Boundary       int  `json:"boundary"`
	ExpireEligible bool `json:"expire_eligible"`
}

func cloneFacets(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func sortedFacetKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
