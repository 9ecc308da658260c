package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/tripmind/pkg/bus"
	"github.com/dotsetgreg/tripmind/pkg/logger"
)

// Config configures the memory subsystem.
type Config struct {
	Workspace       string
	Policy          Policy
	EmbedTimeout    time.Duration
	ClassifyTimeout time.Duration
	// SweepSchedule is a cron expression for the expiration sweep. "off"
	// disables the background worker; Sweep can still be called directly.
	SweepSchedule string
	SweepBatch    int
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Deps are the pluggable collaborators. Nil fields get local defaults:
// SQLite under Workspace, chromem index (or the store itself when it can
// search), cached chargram embedder and the lexical classifier.
type Deps struct {
	// Store is closed by Service.Close. If NewService fails, a caller-supplied
	// store is left open.
	Store      Store
	Index      Index
	Embedder   Embedder
	Classifier Classifier
	// Events, when set, receives conflict, compaction and expiry events.
	Events *bus.EventBus
}

// Service is the memory subsystem facade used by the orchestration layer.
type Service struct {
	cfg        Config
	policy     Policy
	store      Store
	index      Index
	embedder   Embedder
	classifier Classifier
	events     *bus.EventBus
	ids        *idSource
	now        func() time.Time

	identityLocks *keyedLocks
	sessionLocks  *keyedLocks

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewService(ctx context.Context, cfg Config, deps Deps) (*Service, error) {
	cfg.Policy = NewPolicy(cfg.Policy)
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "*/15 * * * *"
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 200
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	sweepOff := strings.EqualFold(strings.TrimSpace(cfg.SweepSchedule), "off")
	if !sweepOff && !gronx.New().IsValid(cfg.SweepSchedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", cfg.SweepSchedule)
	}

	ownsStore := false
	if deps.Store == nil {
		if strings.TrimSpace(cfg.Workspace) == "" {
			return nil, fmt.Errorf("memory workspace is required")
		}
		store, err := NewSQLiteStore(filepath.Join(cfg.Workspace, "state", "memory.db"))
		if err != nil {
			return nil, err
		}
		deps.Store = store
		ownsStore = true
	}
	// Releases a store opened here when construction fails.
	release := func() {
		if ownsStore {
			_ = deps.Store.Close()
		}
	}
	if deps.Index == nil {
		if idx, ok := deps.Store.(Index); ok {
			deps.Index = idx
		} else {
			deps.Index = NewChromemIndex()
		}
	}
	if deps.Embedder == nil {
		cached, err := NewCachedEmbedder(NewEmbedderByName(""), 0)
		if err != nil {
			release()
			return nil, err
		}
		deps.Embedder = cached
	}
	if deps.Classifier == nil {
		deps.Classifier = NewLexicalClassifier(cfg.Policy)
	}

	svc := &Service{
		cfg:           cfg,
		policy:        cfg.Policy,
		store:         deps.Store,
		index:         deps.Index,
		embedder:      deps.Embedder,
		classifier:    deps.Classifier,
		events:        deps.Events,
		ids:           newIDSource(),
		now:           cfg.Now,
		identityLocks: newKeyedLocks(),
		sessionLocks:  newKeyedLocks(),
		stopCh:        make(chan struct{}),
	}

	if _, err := svc.RebuildIndex(ctx); err != nil {
		release()
		return nil, err
	}

	if !sweepOff {
		svc.wg.Add(1)
		go svc.runSweeper()
	}
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if c, ok := s.embedder.(interface{ Close() }); ok {
			c.Close()
		}
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func (s *Service) Policy() Policy { return s.policy }

// Store exposes the underlying record store.
func (s *Service) Store() Store { return s.store }

// DeleteMemory removes a record from the store and the index. Idempotent.
func (s *Service) DeleteMemory(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "memory_id", Reason: "required"}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.index.Remove(ctx, id); err != nil {
		return err
	}
	s.metric(ctx, "memory.deleted", 1, nil)
	return nil
}

// GetMemory returns one live record.
func (s *Service) GetMemory(ctx context.Context, id string) (Record, error) {
	return s.store.GetByID(ctx, id, s.now())
}

// Search returns the k records most similar to text, post-filtered against
// the store.
func (s *Service) Search(ctx context.Context, ident Identity, text string, k int) ([]ScoredRecord, error) {
	if !ident.valid() {
		return nil, &ValidationError{Field: "identity", Reason: "tenant_id and user_id are required"}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "text", Reason: "required"}
	}
	if k <= 0 {
		k = s.policy.ConflictK
	}
	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.similar(ctx, ident, vec, k, Filter{}, s.now())
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := withTimeout(ctx, s.cfg.EmbedTimeout, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}
	return vec, nil
}

// Sweep deletes expired records from the store and the index. Records that
// fail to delete are logged and skipped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	failed := map[string]bool{}
	purged := 0
	for {
		batch, err := s.store.ListExpired(ctx, now, s.cfg.SweepBatch)
		if err != nil {
			return purged, err
		}
		progress := 0
		for _, rec := range batch {
			if failed[rec.ID] {
				continue
			}
			if err := s.store.Delete(ctx, rec.ID); err != nil {
				failed[rec.ID] = true
				logger.WarnCF("memory", "Sweep failed to delete expired record", map[string]interface{}{
					"memory_id": rec.ID,
					"error":     err.Error(),
				})
				continue
			}
			if err := s.index.Remove(ctx, rec.ID); err != nil {
				logger.WarnCF("memory", "Sweep failed to remove index entry", map[string]interface{}{
					"memory_id": rec.ID,
					"error":     err.Error(),
				})
			}
			purged++
			progress++
		}
		if len(batch) < s.cfg.SweepBatch || progress == 0 {
			break
		}
	}
	if purged > 0 {
		s.metric(ctx, "memory.sweep.purged", float64(purged), nil)
		s.emit(bus.Event{Kind: bus.MemoriesExpired, Count: purged})
		logger.InfoCF("memory", "Expired memories swept", map[string]interface{}{
			"purged": purged,
			"failed": len(failed),
		})
	}
	return purged, nil
}

func (s *Service) runSweeper() {
	defer s.wg.Done()
	for {
		next, err := gronx.NextTickAfter(s.cfg.SweepSchedule, time.Now(), false)
		if err != nil {
			logger.ErrorCF("memory", "Sweep schedule stopped", map[string]interface{}{
				"schedule": s.cfg.SweepSchedule,
				"error":    err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				logger.WarnCF("memory", "Expiration sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// RebuildIndex loads every live record into the similarity index. Records
// embedded by a different model are re-embedded first. It is a no-op when
// the store serves similarity search itself.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	if same, ok := s.index.(Store); ok && same == s.store {
		return 0, nil
	}
	records, err := s.store.ListLive(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	indexed := 0
	for _, rec := range records {
		if len(rec.Embedding) != s.embedder.Dims() {
			vec, err := s.embed(ctx, rec.Text)
			if err != nil {
				logger.WarnCF("memory", "Skipping record with stale embedding", map[string]interface{}{
					"memory_id": rec.ID,
					"error":     err.Error(),
				})
				continue
			}
			rec.Embedding = vec
			if err := s.store.Put(ctx, rec); err != nil {
				logger.WarnCF("memory", "Failed to persist re-embedded record", map[string]interface{}{
					"memory_id": rec.ID,
					"error":     err.Error(),
				})
				continue
			}
		}
		if err := s.index.Index(ctx, rec); err != nil {
			logger.WarnCF("memory", "Failed to index record", map[string]interface{}{
				"memory_id": rec.ID,
				"error":     err.Error(),
			})
			continue
		}
		indexed++
	}
	if indexed > 0 {
		logger.DebugCF("memory", "Similarity index rebuilt", map[string]interface{}{
			"records": indexed,
		})
	}
	return indexed, nil
}

// commit stores rec and indexes it. A failed index write removes the stored
// record again so the two never diverge.
func (s *Service) commit(ctx context.Context, rec Record) error {
	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	if err := s.index.Index(ctx, rec); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), rec.ID); derr != nil {
			return errors.Join(fmt.Errorf("index memory: %w", err), fmt.Errorf("rollback stored memory: %w", derr))
		}
		return fmt.Errorf("index memory: %w", err)
	}
	return nil
}

// discard undoes a commit whose surrounding operation failed.
func (s *Service) discard(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Delete(ctx, id); err != nil {
		logger.ErrorCF("memory", "Rollback of stored memory failed", map[string]interface{}{
			"memory_id": id,
			"error":     err.Error(),
		})
	}
	if err := s.index.Remove(ctx, id); err != nil {
		logger.WarnCF("memory", "Rollback of indexed memory failed", map[string]interface{}{
			"memory_id": id,
			"error":     err.Error(),
		})
	}
}

func (s *Service) metric(ctx context.Context, name string, value float64, labels map[string]string) {
	if err := s.store.AddMetric(context.WithoutCancel(ctx), name, value, labels); err != nil {
		logger.DebugCF("memory", "Metric write failed", map[string]interface{}{
			"metric": name,
			"error":  err.Error(),
		})
	}
}

func (s *Service) emit(ev bus.Event) {
	if s.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.events.Publish(ev)
}

func identityLabels(ident Identity) map[string]string {
	return map[string]string{"tenant_id": ident.TenantID, "user_id": ident.UserID}
}
