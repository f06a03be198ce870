// Package catalog stores typed price constraints between markets and manages
// their lifecycle. The catalog never interprets relationship semantics; it
// enforces structural well-formedness and settlement-rules fingerprint
// matching, and delegates semantic judgement to an external validator.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rooneydude/kalshibot/internal/domain"
	"github.com/rooneydude/kalshibot/internal/marketcache"
)

// Config holds catalog tunables.
type Config struct {
	ConfidenceFloor    float64
	RevalidateInterval time.Duration
}

// Catalog is the exclusive owner of Relationship records. One curator
// goroutine mutates it; the detector reads through Active, which returns
// copies.
type Catalog struct {
	mu    sync.RWMutex
	rels  map[string]*domain.Relationship
	byKey map[string]string // canonical key -> id

	cache  *marketcache.Cache
	store  domain.RelationshipStore // optional persistence
	cfg    Config
	logger *slog.Logger
}

// New creates a Catalog reading market state from cache. store may be nil
// for in-memory operation (tests, dry runs without persistence).
func New(cache *marketcache.Cache, store domain.RelationshipStore, cfg Config, logger *slog.Logger) *Catalog {
	return &Catalog{
		rels:   make(map[string]*domain.Relationship),
		byKey:  make(map[string]string),
		cache:  cache,
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "catalog")),
	}
}

// Upsert validates rel structurally, captures settlement-rules fingerprints
// from the cache, and stores it. A relationship with the same canonical key
// as an existing live one is rejected with ErrDuplicateRelationship; if the
// existing one was invalidated, the new one replaces it under a fresh id.
func (c *Catalog) Upsert(ctx context.Context, rel domain.Relationship) (domain.Relationship, error) {
	if err := validateStructure(rel); err != nil {
		return domain.Relationship{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := rel.CanonicalKey()
	if existingID, ok := c.byKey[key]; ok {
		if existing := c.rels[existingID]; existing != nil && !existing.Invalidated {
			return domain.Relationship{}, fmt.Errorf("catalog: %s: %w", key, domain.ErrDuplicateRelationship)
		}
	}

	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = now
	}
	rel.LastValidatedAt = now
	rel.Invalidated = false
	rel.InvalidReason = ""
	rel.Fingerprints = c.cache.RulesHashes(rel.Tickers)

	stored := rel
	c.rels[rel.ID] = &stored
	c.byKey[key] = rel.ID

	if c.store != nil {
		if err := c.store.Upsert(ctx, rel); err != nil {
			c.logger.WarnContext(ctx, "persist relationship failed",
				slog.String("relationship_id", rel.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.logger.InfoContext(ctx, "relationship stored",
		slog.String("relationship_id", rel.ID),
		slog.String("type", string(rel.Type)),
		slog.Any("tickers", rel.Tickers),
		slog.Float64("confidence", rel.Confidence),
	)
	return rel, nil
}

// validateStructure enforces the structural rules: non-empty unique tickers
// and the per-type arity. SUBSET and IMPLICATION take exactly two tickers;
// THRESHOLD and PARTITION take two or more.
func validateStructure(rel domain.Relationship) error {
	seen := make(map[string]bool, len(rel.Tickers))
	for _, t := range rel.Tickers {
		if t == "" {
			return fmt.Errorf("catalog: empty ticker: %w", domain.ErrMalformed)
		}
		if seen[t] {
			return fmt.Errorf("catalog: repeated ticker %q: %w", t, domain.ErrMalformed)
		}
		seen[t] = true
	}

	switch rel.Type {
	case domain.RelationshipSubset, domain.RelationshipImplication:
		if len(rel.Tickers) != 2 {
			return fmt.Errorf("catalog: %s needs exactly 2 tickers, got %d: %w",
				rel.Type, len(rel.Tickers), domain.ErrMalformed)
		}
	case domain.RelationshipThreshold, domain.RelationshipPartition:
		if len(rel.Tickers) < 2 {
			return fmt.Errorf("catalog: %s needs >= 2 tickers, got %d: %w",
				rel.Type, len(rel.Tickers), domain.ErrMalformed)
		}
	default:
		return fmt.Errorf("catalog: unknown type %q: %w", rel.Type, domain.ErrMalformed)
	}

	if rel.Confidence < 0 || rel.Confidence > 1 {
		return fmt.Errorf("catalog: confidence %v out of range: %w", rel.Confidence, domain.ErrMalformed)
	}
	if rel.Type == domain.RelationshipImplication && (rel.Kappa < 0 || rel.Kappa > 1) {
		return fmt.Errorf("catalog: kappa %v out of range: %w", rel.Kappa, domain.ErrMalformed)
	}
	return nil
}

// Active returns relationships eligible for detection this cycle: every
// involved market present and open, every settlement-rules fingerprint
// unchanged, confidence at or above the floor, not invalidated. Output is
// sorted by id so a scan over it is deterministic.
func (c *Catalog) Active() []domain.Relationship {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Relationship, 0, len(c.rels))
	for _, rel := range c.rels {
		if rel.Invalidated || rel.Confidence < c.cfg.ConfidenceFloor {
			continue
		}
		if !c.marketsLive(rel) {
			continue
		}
		out = append(out, *rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) marketsLive(rel *domain.Relationship) bool {
	statuses := c.cache.Statuses(rel.Tickers)
	hashes := c.cache.RulesHashes(rel.Tickers)
	for _, t := range rel.Tickers {
		if statuses[t] != domain.MarketStatusOpen {
			return false
		}
		if rel.Fingerprints[t] != hashes[t] {
			return false
		}
	}
	return true
}

// Invalidate marks a relationship terminally invalid. It is never
// re-activated; a later Upsert of the same ticker set creates a new record.
func (c *Catalog) Invalidate(ctx context.Context, id, reason string) {
	c.mu.Lock()
	rel, ok := c.rels[id]
	if ok && !rel.Invalidated {
		rel.Invalidated = true
		rel.InvalidReason = reason
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if c.store != nil {
		if err := c.store.MarkInvalid(ctx, id, reason); err != nil {
			c.logger.WarnContext(ctx, "persist invalidation failed",
				slog.String("relationship_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	c.logger.InfoContext(ctx, "relationship invalidated",
		slog.String("relationship_id", id),
		slog.String("reason", reason),
	)
}

// SweepFingerprints hard-invalidates every relationship whose markets have
// closed or whose settlement rules changed since creation. Runs once per
// ingestion cycle, before any revalidation call.
func (c *Catalog) SweepFingerprints(ctx context.Context) int {
	c.mu.RLock()
	type victim struct{ id, reason string }
	var victims []victim
	for id, rel := range c.rels {
		if rel.Invalidated {
			continue
		}
		statuses := c.cache.Statuses(rel.Tickers)
		hashes := c.cache.RulesHashes(rel.Tickers)
		for _, t := range rel.Tickers {
			st, present := statuses[t]
			if present && st != domain.MarketStatusOpen {
				victims = append(victims, victim{id, fmt.Sprintf("market %s is %s", t, st)})
				break
			}
			if present && rel.Fingerprints[t] != hashes[t] {
				victims = append(victims, victim{id, fmt.Sprintf("settlement rules changed for %s", t)})
				break
			}
		}
	}
	c.mu.RUnlock()

	for _, v := range victims {
		c.Invalidate(ctx, v.id, v.reason)
	}
	return len(victims)
}

// StaleForRevalidation returns live relationships whose last validation is
// older than the configured interval, sorted oldest first.
func (c *Catalog) StaleForRevalidation(now time.Time) []domain.Relationship {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := now.Add(-c.cfg.RevalidateInterval)
	var out []domain.Relationship
	for _, rel := range c.rels {
		if rel.Invalidated {
			continue
		}
		if rel.LastValidatedAt.Before(cutoff) {
			out = append(out, *rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastValidatedAt.Before(out[j].LastValidatedAt)
	})
	return out
}

// Revalidate runs the external validator for one relationship and applies
// the verdict: confidence update on success, terminal invalidation on
// failure. A fingerprint mismatch detected here invalidates without
// consulting the validator at all.
func (c *Catalog) Revalidate(ctx context.Context, id string, validator domain.RelationshipValidator) error {
	c.mu.RLock()
	rel, ok := c.rels[id]
	if !ok || rel.Invalidated {
		c.mu.RUnlock()
		return fmt.Errorf("catalog: relationship %s: %w", id, domain.ErrNotFound)
	}
	snapshot := *rel
	c.mu.RUnlock()

	if !c.marketsLiveSnapshot(snapshot) {
		c.Invalidate(ctx, id, "market closed or rules changed before revalidation")
		return nil
	}

	markets := make([]domain.Market, 0, len(snapshot.Tickers))
	for _, t := range snapshot.Tickers {
		m, err := c.cache.Get(t)
		if err != nil {
			c.Invalidate(ctx, id, fmt.Sprintf("market %s missing from cache", t))
			return nil
		}
		markets = append(markets, m)
	}

	res, err := validator.Revalidate(ctx, snapshot, markets)
	if err != nil {
		return fmt.Errorf("catalog: revalidate %s: %w", id, err)
	}

	if !res.StillValid {
		c.Invalidate(ctx, id, "validator rejected relationship")
		return nil
	}

	c.mu.Lock()
	if live, ok := c.rels[id]; ok && !live.Invalidated {
		live.Confidence = res.Confidence
		live.LastValidatedAt = time.Now().UTC()
	}
	c.mu.Unlock()
	return nil
}

func (c *Catalog) marketsLiveSnapshot(rel domain.Relationship) bool {
	statuses := c.cache.Statuses(rel.Tickers)
	hashes := c.cache.RulesHashes(rel.Tickers)
	for _, t := range rel.Tickers {
		if statuses[t] != domain.MarketStatusOpen || rel.Fingerprints[t] != hashes[t] {
			return false
		}
	}
	return true
}

// IngestCandidates validates and stores a batch of discovered relationship
// candidates, skipping malformed entries and duplicates. Returns the number
// stored.
func (c *Catalog) IngestCandidates(ctx context.Context, candidates []domain.Relationship) int {
	stored := 0
	for _, cand := range candidates {
		if _, err := c.Upsert(ctx, cand); err != nil {
			c.logger.DebugContext(ctx, "candidate skipped",
				slog.String("type", string(cand.Type)),
				slog.Any("tickers", cand.Tickers),
				slog.String("error", err.Error()),
			)
			continue
		}
		stored++
	}
	return stored
}

// Get returns a copy of the relationship with the given id.
func (c *Catalog) Get(id string) (domain.Relationship, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.rels[id]
	if !ok {
		return domain.Relationship{}, fmt.Errorf("catalog: relationship %s: %w", id, domain.ErrNotFound)
	}
	return *rel, nil
}
