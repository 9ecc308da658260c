package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore keeps records in PostgreSQL and serves similarity search from
// the same rows through pgvector, so it implements both Store and Index.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
// dims fixes the vector column width and must match the embedder.
func NewPostgresStore(ctx context.Context, databaseURL string, dims int) (*PostgresStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("postgres store: embedding dims must be positive")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{pool: pool, dims: dims}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			text TEXT NOT NULL,
			facets JSONB NOT NULL DEFAULT '{}',
			facets_norm JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			salience DOUBLE PRECISION NOT NULL,
			justification TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			trip_type TEXT NOT NULL DEFAULT '',
			season TEXT NOT NULL DEFAULT '',
			created_at_ms BIGINT NOT NULL,
			last_used_at_ms BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL DEFAULT 0
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS memory_records_scope_idx ON memory_records(tenant_id, user_id, memory_type, last_used_at_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS memory_records_facets_idx ON memory_records USING GIN (facets_norm)`,
		`CREATE INDEX IF NOT EXISTS memory_records_embedding_idx ON memory_records USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS memory_conflicts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			existing_id TEXT NOT NULL,
			existing_text TEXT NOT NULL,
			candidate JSONB NOT NULL,
			candidate_embedding JSONB NOT NULL DEFAULT '[]',
			similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			resulting_id TEXT NOT NULL DEFAULT '',
			detected_at_ms BIGINT NOT NULL,
			resolved_at_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS memory_conflicts_scope_idx ON memory_conflicts(tenant_id, user_id, status, detected_at_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS compaction_state (
			session_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			compacted_through INTEGER NOT NULL DEFAULT 0,
			requested_boundary INTEGER NOT NULL DEFAULT 0,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id BIGSERIAL PRIMARY KEY,
			metric TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			labels JSONB NOT NULL DEFAULT '{}',
			created_at_ms BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init postgres schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgRecordColumns = `id, tenant_id, user_id, memory_type, text, facets::text, embedding, salience, justification, destination, trip_type, season, created_at_ms, last_used_at_ms, expires_at_ms`

func scanPGRecord(row pgx.Row) (Record, error) {
	var r Record
	var kind, facetsRaw string
	var vec pgvector.Vector
	var dest, tripType, season string
	var createdMS, usedMS, expMS int64
	if err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &kind, &r.Text, &facetsRaw, &vec, &r.Salience, &r.Justification, &dest, &tripType, &season, &createdMS, &usedMS, &expMS); err != nil {
		return Record{}, err
	}
	r.Type = MemoryType(kind)
	r.Facets = decodeMap(facetsRaw)
	r.Embedding = vec.Slice()
	r.Context = contextFromColumns(dest, tripType, season)
	r.CreatedAt = fromMS(createdMS)
	r.LastUsedAt = fromMS(usedMS)
	if expMS > 0 {
		exp := fromMS(expMS)
		r.ExpiresAt = &exp
	}
	return r, nil
}

func collectPGRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		r, err := scanPGRecord(rows)
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

func normalizedFacets(m map[string]string) string {
	norm := make(map[string]string, len(m))
	for k, v := range m {
		norm[strings.ToLower(k)] = strings.ToLower(v)
	}
	return encodeMap(norm)
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if len(rec.Embedding) != s.dims {
		return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("expected %d dims, got %d", s.dims, len(rec.Embedding))}
	}
	var expMS int64
	if rec.ExpiresAt != nil {
		expMS = toMS(*rec.ExpiresAt)
	}
	used := rec.LastUsedAt
	if used.IsZero() {
		used = rec.CreatedAt
	}
	dest, tripType, season := contextColumns(rec.Context)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_records (id, tenant_id, user_id, memory_type, text, facets, facets_norm, embedding, salience, justification, destination, trip_type, season, created_at_ms, last_used_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			facets = EXCLUDED.facets,
			facets_norm = EXCLUDED.facets_norm,
			embedding = EXCLUDED.embedding,
			salience = EXCLUDED.salience,
			justification = EXCLUDED.justification,
			destination = EXCLUDED.destination,
			trip_type = EXCLUDED.trip_type,
			season = EXCLUDED.season,
			last_used_at_ms = EXCLUDED.last_used_at_ms
	`, rec.ID, rec.TenantID, rec.UserID, string(rec.Type), rec.Text, encodeMap(rec.Facets), normalizedFacets(rec.Facets),
		pgvector.NewVector(rec.Embedding), rec.Salience, rec.Justification, dest, tripType, season,
		toMS(rec.CreatedAt), toMS(used), expMS)
	if err != nil {
		return fmt.Errorf("put memory record: %w", err)
	}
	return nil
}

// scopeClause appends identity, liveness and filter predicates starting at
// placeholder $start.
func scopeClause(ident Identity, filter Filter, now time.Time, start int) (string, []any) {
	args := []any{ident.TenantID, ident.UserID, toMS(now)}
	clause := fmt.Sprintf(`tenant_id = $%d AND user_id = $%d AND (expires_at_ms = 0 OR expires_at_ms > $%d)`, start, start+1, start+2)
	next := start + 3
	if filter.Type != "" {
		clause += fmt.Sprintf(` AND memory_type = $%d`, next)
		args = append(args, string(filter.Type))
		next++
	}
	if len(filter.Facets) > 0 {
		clause += fmt.Sprintf(` AND facets_norm @> $%d::jsonb`, next)
		args = append(args, normalizedFacets(filter.Facets))
		next++
	}
	if dest := normalizeDestination(filter.Destination); dest != "" {
		clause += fmt.Sprintf(` AND lower(trim(destination)) = $%d`, next)
		args = append(args, dest)
	}
	return clause, args
}

func (s *PostgresStore) Get(ctx context.Context, ident Identity, filter Filter, now time.Time) ([]Record, error) {
	where, args := scopeClause(ident, filter, now, 1)
	rows, err := s.pool.Query(ctx, `SELECT `+pgRecordColumns+` FROM memory_records WHERE `+where+` ORDER BY last_used_at_ms DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memory records: %w", err)
	}
	return collectPGRecords(rows)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string, now time.Time) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRecordColumns+` FROM memory_records WHERE id = $1 AND (expires_at_ms = 0 OR expires_at_ms > $2)`, id, toMS(now))
	r, err := scanPGRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get memory record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE memory_records SET last_used_at_ms = GREATEST(last_used_at_ms, $1) WHERE id = $2`, toMS(at), id); err != nil {
		return fmt.Errorf("touch memory record: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSalience(ctx context.Context, id string, adjust func(float64) float64, touchAt *time.Time, now time.Time) (Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("update salience begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+pgRecordColumns+` FROM memory_records WHERE id = $1 AND (expires_at_ms = 0 OR expires_at_ms > $2) FOR UPDATE`, id, toMS(now))
	rec, err := scanPGRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read memory record: %w", err)
	}
	rec.Salience = clampSalience(adjust(rec.Salience))
	if touchAt != nil && touchAt.After(rec.LastUsedAt) {
		rec.LastUsedAt = *touchAt
	}
	if _, err := tx.Exec(ctx, `UPDATE memory_records SET salience = $1, last_used_at_ms = $2 WHERE id = $3`, rec.Salience, toMS(rec.LastUsedAt), id); err != nil {
		return Record{}, fmt.Errorf("update salience: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("update salience commit: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgRecordColumns+` FROM memory_records WHERE expires_at_ms > 0 AND expires_at_ms <= $1 ORDER BY expires_at_ms ASC LIMIT $2`, toMS(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired memory records: %w", err)
	}
	return collectPGRecords(rows)
}

func (s *PostgresStore) ListLive(ctx context.Context, now time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgRecordColumns+` FROM memory_records WHERE expires_at_ms = 0 OR expires_at_ms > $1 ORDER BY created_at_ms ASC`, toMS(now))
	if err != nil {
		return nil, fmt.Errorf("list live memory records: %w", err)
	}
	return collectPGRecords(rows)
}

// Index is a no-op: the embedding column is written by Put.
func (s *PostgresStore) Index(_ context.Context, _ Record) error { return nil }

// Remove is a no-op: deleting the row removes its embedding.
func (s *PostgresStore) Remove(_ context.Context, _ string) error { return nil }

func (s *PostgresStore) Search(ctx context.Context, ident Identity, query []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	where, args := scopeClause(ident, filter, time.Now(), 2)
	args = append([]any{pgvector.NewVector(query)}, args...)
	args = append(args, k)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS similarity
		FROM memory_records
		WHERE %s
		ORDER BY embedding <=> $1, last_used_at_ms DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("search memory records: %w", err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Similarity); err != nil {
			return nil, fmt.Errorf("scan similarity hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similarity hits: %w", err)
	}
	return hits, nil
}

func (s *PostgresStore) SaveConflict(ctx context.Context, c Conflict) error {
	candidate, err := json.Marshal(c.Candidate)
	if err != nil {
		return fmt.Errorf("encode conflict candidate: %w", err)
	}
	var resolvedMS int64
	if c.ResolvedAt != nil {
		resolvedMS = toMS(*c.ResolvedAt)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_conflicts (id, tenant_id, user_id, existing_id, existing_text, candidate, candidate_embedding, similarity, status, decision, resulting_id, detected_at_ms, resolved_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			decision = EXCLUDED.decision,
			resulting_id = EXCLUDED.resulting_id,
			resolved_at_ms = EXCLUDED.resolved_at_ms
	`, c.ID, c.TenantID, c.UserID, c.ExistingID, c.ExistingText, string(candidate), encodeVector(c.Candidate.Embedding),
		c.Similarity, string(c.Status), string(c.Decision), c.ResultingID, toMS(c.DetectedAt), resolvedMS)
	if err != nil {
		return fmt.Errorf("save memory conflict: %w", err)
	}
	return nil
}

const pgConflictColumns = `id, tenant_id, user_id, existing_id, existing_text, candidate::text, candidate_embedding::text, similarity, status, decision, resulting_id, detected_at_ms, resolved_at_ms`

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (Conflict, error) {
	c, err := scanConflict(s.pool.QueryRow(ctx, `SELECT `+pgConflictColumns+` FROM memory_conflicts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conflict{}, ErrNotFound
		}
		return Conflict{}, fmt.Errorf("get memory conflict: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, ident Identity, status ConflictStatus, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgConflictColumns+`
		FROM memory_conflicts
		WHERE tenant_id = $1 AND user_id = $2 AND ($3 = '' OR status = $3)
		ORDER BY detected_at_ms DESC, id DESC
		LIMIT $4
	`, ident.TenantID, ident.UserID, string(status), limit)
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

func (s *PostgresStore) GetCompactionState(ctx context.Context, sessionID string) (CompactionState, bool, error) {
	var st CompactionState
	var phase string
	var updatedMS int64
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, phase, compacted_through, requested_boundary, updated_at_ms
		FROM compaction_state
		WHERE session_id = $1
	`, sessionID).Scan(&st.SessionID, &phase, &st.CompactedThrough, &st.RequestedBoundary, &updatedMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CompactionState{}, false, nil
		}
		return CompactionState{}, false, fmt.Errorf("get compaction state: %w", err)
	}
	st.Phase = CompactionPhase(phase)
	st.UpdatedAt = fromMS(updatedMS)
	return st, true, nil
}

func (s *PostgresStore) SaveCompactionState(ctx context.Context, st CompactionState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compaction_state (session_id, phase, compacted_through, requested_boundary, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			compacted_through = EXCLUDED.compacted_through,
			requested_boundary = EXCLUDED.requested_boundary,
			updated_at_ms = EXCLUDED.updated_at_ms
	`, st.SessionID, string(st.Phase), st.CompactedThrough, st.RequestedBoundary, toMS(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save compaction state: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_metrics (metric, value, labels, created_at_ms)
		VALUES ($1, $2, $3::jsonb, $4)
	`, metric, value, encodeMap(labels), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}
