package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable record store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			text TEXT NOT NULL,
			facets_json TEXT NOT NULL DEFAULT '{}',
			embedding_json TEXT NOT NULL,
			salience REAL NOT NULL,
			justification TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			trip_type TEXT NOT NULL DEFAULT '',
			season TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			last_used_at_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_scope_idx ON memory_records(tenant_id, user_id, memory_type, expires_at_ms, last_used_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS memory_records_expiry_idx ON memory_records(expires_at_ms) WHERE expires_at_ms > 0;`,
		`CREATE TABLE IF NOT EXISTS memory_facets (
			record_id TEXT NOT NULL,
			facet TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY(record_id, facet)
		);`,
		`CREATE INDEX IF NOT EXISTS memory_facets_lookup_idx ON memory_facets(facet, value COLLATE NOCASE);`,
		`CREATE TABLE IF NOT EXISTS memory_conflicts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			existing_id TEXT NOT NULL,
			existing_text TEXT NOT NULL,
			candidate_json TEXT NOT NULL,
			candidate_embedding_json TEXT NOT NULL DEFAULT '[]',
			similarity REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			resulting_id TEXT NOT NULL DEFAULT '',
			detected_at_ms INTEGER NOT NULL,
			resolved_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_conflicts_scope_idx ON memory_conflicts(tenant_id, user_id, status, detected_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS compaction_state (
			session_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			compacted_through INTEGER NOT NULL DEFAULT 0,
			requested_boundary INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func contextColumns(c *ContextTags) (string, string, string) {
	if c == nil {
		return "", "", ""
	}
	return c.Destination, c.TripType, c.Season
}

func contextFromColumns(dest, tripType, season string) *ContextTags {
	c := ContextTags{Destination: dest, TripType: tripType, Season: season}
	if c.Empty() {
		return nil
	}
	return &c
}

const recordColumns = `id, tenant_id, user_id, memory_type, text, facets_json, embedding_json, salience, justification, destination, trip_type, season, created_at_ms, last_used_at_ms, expires_at_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	var kind, facetsRaw, embRaw string
	var dest, tripType, season string
	var createdMS, usedMS, expMS int64
	if err := sc.Scan(&r.ID, &r.TenantID, &r.UserID, &kind, &r.Text, &facetsRaw, &embRaw, &r.Salience, &r.Justification, &dest, &tripType, &season, &createdMS, &usedMS, &expMS); err != nil {
		return Record{}, err
	}
	r.Type = MemoryType(kind)
	r.Facets = decodeMap(facetsRaw)
	r.Embedding = decodeVector(embRaw)
	r.Context = contextFromColumns(dest, tripType, season)
	r.CreatedAt = fromMS(createdMS)
	r.LastUsedAt = fromMS(usedMS)
	if expMS > 0 {
		exp := fromMS(expMS)
		r.ExpiresAt = &exp
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return out, nil
}

// Put inserts or replaces the record and its facet rows in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put memory record begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expMS int64
	if rec.ExpiresAt != nil {
		expMS = toMS(*rec.ExpiresAt)
	}
	used := rec.LastUsedAt
	if used.IsZero() {
		used = rec.CreatedAt
	}
	dest, tripType, season := contextColumns(rec.Context)
	_, err = tx.ExecContext(ctx, `
INSERT INTO memory_records(`+recordColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	text = excluded.text,
	facets_json = excluded.facets_json,
	embedding_json = excluded.embedding_json,
	salience = excluded.salience,
	justification = excluded.justification,
	destination = excluded.destination,
	trip_type = excluded.trip_type,
	season = excluded.season,
	last_used_at_ms = excluded.last_used_at_ms`,
		rec.ID, rec.TenantID, rec.UserID, string(rec.Type), rec.Text, encodeMap(rec.Facets), encodeVector(rec.Embedding),
		rec.Salience, rec.Justification, dest, tripType, season, toMS(rec.CreatedAt), toMS(used), expMS)
	if err != nil {
		return fmt.Errorf("put memory record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_facets WHERE record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("reset memory facets: %w", err)
	}
	for _, k := range sortedFacetKeys(rec.Facets) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO memory_facets(record_id, facet, value) VALUES(?, ?, ?)`, rec.ID, strings.ToLower(k), rec.Facets[k]); err != nil {
			return fmt.Errorf("put memory facet: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put memory record commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, ident Identity, filter Filter, now time.Time) ([]Record, error) {
	var b strings.Builder
	args := []any{ident.TenantID, ident.UserID, toMS(now)}
	b.WriteString(`
SELECT ` + recordColumns + `
FROM memory_records r
WHERE r.tenant_id = ? AND r.user_id = ?
AND (r.expires_at_ms = 0 OR r.expires_at_ms > ?)`)
	if filter.Type != "" {
		b.WriteString(` AND r.memory_type = ?`)
		args = append(args, string(filter.Type))
	}
	for _, k := range sortedFacetKeys(filter.Facets) {
		b.WriteString(`
AND EXISTS (SELECT 1 FROM memory_facets f WHERE f.record_id = r.id AND f.facet = ? AND f.value = ? COLLATE NOCASE)`)
		args = append(args, strings.ToLower(k), filter.Facets[k])
	}
	if dest := normalizeDestination(filter.Destination); dest != "" {
		b.WriteString(` AND lower(trim(r.destination)) = ?`)
		args = append(args, dest)
	}
	b.WriteString(`
ORDER BY r.last_used_at_ms DESC, r.id DESC`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get memory records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string, now time.Time) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE id = ? AND (expires_at_ms = 0 OR expires_at_ms > ?)`, id, toMS(now))
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get memory record: %w", err)
	}
	return r, nil
}

// Delete is idempotent.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete memory record begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_facets WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete memory facets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete memory record commit: %w", err)
	}
	return nil
}

// Touch is a no-op for missing ids.
func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_records
SET last_used_at_ms = MAX(last_used_at_ms, ?)
WHERE id = ?`, toMS(at), id)
	if err != nil {
		return fmt.Errorf("touch memory record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSalience(ctx context.Context, id string, adjust func(float64) float64, touchAt *time.Time, now time.Time) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("update salience begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE id = ? AND (expires_at_ms = 0 OR expires_at_ms > ?)`, id, toMS(now))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read memory record: %w", err)
	}
	rec.Salience = clampSalience(adjust(rec.Salience))
	if touchAt != nil && touchAt.After(rec.LastUsedAt) {
		rec.LastUsedAt = *touchAt
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE memory_records
SET salience = ?, last_used_at_ms = ?
WHERE id = ?`, rec.Salience, toMS(rec.LastUsedAt), id); err != nil {
		return Record{}, fmt.Errorf("update salience: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("update salience commit: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE expires_at_ms > 0 AND expires_at_ms <= ?
ORDER BY expires_at_ms ASC
LIMIT ?`, toMS(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired memory records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) ListLive(ctx context.Context, now time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE expires_at_ms = 0 OR expires_at_ms > ?
ORDER BY created_at_ms ASC`, toMS(now))
	if err != nil {
		return nil, fmt.Errorf("list live memory records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) SaveConflict(ctx context.Context, c Conflict) error {
	candidate, err := json.Marshal(c.Candidate)
	if err != nil {
		return fmt.Errorf("encode conflict candidate: %w", err)
	}
	var resolvedMS int64
	if c.ResolvedAt != nil {
		resolvedMS = toMS(*c.ResolvedAt)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_conflicts(id, tenant_id, user_id, existing_id, existing_text, candidate_json, candidate_embedding_json, similarity, status, decision, resulting_id, detected_at_ms, resolved_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	decision = excluded.decision,
	resulting_id = excluded.resulting_id,
	resolved_at_ms = excluded.resolved_at_ms`,
		c.ID, c.TenantID, c.UserID, c.ExistingID, c.ExistingText, string(candidate), encodeVector(c.Candidate.Embedding),
		c.Similarity, string(c.Status), string(c.Decision), c.ResultingID, toMS(c.DetectedAt), resolvedMS)
	if err != nil {
		return fmt.Errorf("save memory conflict: %w", err)
	}
	return nil
}

const conflictColumns = `id, tenant_id, user_id, existing_id, existing_text, candidate_json, candidate_embedding_json, similarity, status, decision, resulting_id, detected_at_ms, resolved_at_ms`

func scanConflict(sc scanner) (Conflict, error) {
	var c Conflict
	var candRaw, embRaw string
	var status, decision string
	var detectedMS, resolvedMS int64
	if err := sc.Scan(&c.ID, &c.TenantID, &c.UserID, &c.ExistingID, &c.ExistingText, &candRaw, &embRaw, &c.Similarity, &status, &decision, &c.ResultingID, &detectedMS, &resolvedMS); err != nil {
		return Conflict{}, err
	}
	if err := json.Unmarshal([]byte(candRaw), &c.Candidate); err != nil {
		return Conflict{}, fmt.Errorf("decode conflict candidate %s: %w", c.ID, err)
	}
	c.Candidate.Embedding = decodeVector(embRaw)
	c.Status = ConflictStatus(status)
	c.Decision = Decision(decision)
	c.DetectedAt = fromMS(detectedMS)
	if resolvedMS > 0 {
		at := fromMS(resolvedMS)
		c.ResolvedAt = &at
	}
	return c, nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM memory_conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conflict{}, ErrNotFound
		}
		return Conflict{}, fmt.Errorf("get memory conflict: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, ident Identity, status ConflictStatus, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conflictColumns+`
FROM memory_conflicts
WHERE tenant_id = ? AND user_id = ? AND (? = '' OR status = ?)
ORDER BY detected_at_ms DESC, id DESC
LIMIT ?`, ident.TenantID, ident.UserID, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list memory conflicts: %w", err)
	}
	defer rows.Close()

	out := []Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory conflict: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory conflicts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetCompactionState(ctx context.Context, sessionID string) (CompactionState, bool, error) {
	var st CompactionState
	var phase string
	var updatedMS int64
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, phase, compacted_through, requested_boundary, updated_at_ms
FROM compaction_state
WHERE session_id = ?`, sessionID).Scan(&st.SessionID, &phase, &st.CompactedThrough, &st.RequestedBoundary, &updatedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompactionState{}, false, nil
		}
		return CompactionState{}, false, fmt.Errorf("get compaction state: %w", err)
	}
	st.Phase = CompactionPhase(phase)
	st.UpdatedAt = fromMS(updatedMS)
	return st, true, nil
}

func (s *SQLiteStore) SaveCompactionState(ctx context.Context, st CompactionState) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO compaction_state(session_id, phase, compacted_through, requested_boundary, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	phase = excluded.phase,
	compacted_through = excluded.compacted_through,
	requested_boundary = excluded.requested_boundary,
	updated_at_ms = excluded.updated_at_ms`,
		st.SessionID, string(st.Phase), st.CompactedThrough, st.RequestedBoundary, toMS(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save compaction state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// MetricTotal sums a metric across all recorded samples.
func (s *SQLiteStore) MetricTotal(ctx context.Context, metric string) (float64, error) {
	var total sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(value) FROM memory_metrics WHERE metric = ?`, metric).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum metric: %w", err)
	}
	return total.Float64, nil
}
