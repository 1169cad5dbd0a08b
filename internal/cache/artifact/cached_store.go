package artifact

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	core "copyflow/internal/artifact"
	artifactrepo "copyflow/internal/gateway/repository/artifact"
)

type Store = artifactrepo.Store

type CacheConfig struct {
	TTL        time.Duration `koanf:"cache_ttl"`
	MaxEntries int           `koanf:"cache_size"`

	ListTTL        time.Duration
	ListMaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:            10 * time.Minute,
		MaxEntries:     1024,
		ListTTL:        30 * time.Second,
		ListMaxEntries: 256,
	}
}

type MetricsSnapshot struct {
	Hits           uint64
	Misses         uint64
	ListHits       uint64
	ListMisses     uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type Metrics struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	listHits       atomic.Uint64
	listMisses     atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		ListHits:       m.listHits.Load(),
		ListMisses:     m.listMisses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore is a read-through cache in front of an artifact Store.
// Artifact versions are immutable, so a cached version never goes stale;
// latest pointers and listings are dropped whenever this store writes.
type CachedStore struct {
	origin Store

	byKey   *expirable.LRU[core.Key, core.PhaseArtifact]
	latest  *expirable.LRU[string, core.Key]
	listing *expirable.LRU[string, []core.PhaseArtifact]
	metrics Metrics
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = def.ListTTL
	}
	if cfg.ListMaxEntries <= 0 {
		cfg.ListMaxEntries = def.ListMaxEntries
	}
	return &CachedStore{
		origin:  origin,
		byKey:   expirable.NewLRU[core.Key, core.PhaseArtifact](cfg.MaxEntries, nil, cfg.TTL),
		latest:  expirable.NewLRU[string, core.Key](cfg.MaxEntries, nil, cfg.TTL),
		listing: expirable.NewLRU[string, []core.PhaseArtifact](cfg.ListMaxEntries, nil, cfg.ListTTL),
	}
}

func (s *CachedStore) PutArtifact(ctx context.Context, a core.PhaseArtifact) error {
	s.metrics.originWrites.Add(1)
	if err := s.origin.PutArtifact(ctx, a); err != nil {
		s.metrics.originWriteErr.Add(1)
		return err
	}
	s.byKey.Add(a.Key(), clone(a))
	s.latest.Remove(latestKey(a.RunID, a.Phase))
	s.listing.Remove(strings.TrimSpace(a.RunID))
	return nil
}

func (s *CachedStore) GetArtifact(ctx context.Context, key core.Key) (core.PhaseArtifact, error) {
	if a, ok := s.byKey.Get(key); ok {
		s.metrics.hits.Add(1)
		return clone(a), nil
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)

	a, err := s.origin.GetArtifact(ctx, key)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return core.PhaseArtifact{}, err
	}
	s.byKey.Add(key, clone(a))
	return a, nil
}

func (s *CachedStore) Latest(ctx context.Context, runID, phase string) (core.PhaseArtifact, bool, error) {
	if key, ok := s.latest.Get(latestKey(runID, phase)); ok {
		if a, ok := s.byKey.Get(key); ok {
			s.metrics.hits.Add(1)
			return clone(a), true, nil
		}
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)

	a, ok, err := s.origin.Latest(ctx, runID, phase)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return core.PhaseArtifact{}, false, err
	}
	if !ok {
		return core.PhaseArtifact{}, false, nil
	}
	s.byKey.Add(a.Key(), clone(a))
	s.latest.Add(latestKey(runID, phase), a.Key())
	return a, true, nil
}

func (s *CachedStore) ListArtifacts(ctx context.Context, runID string) ([]core.PhaseArtifact, error) {
	runID = strings.TrimSpace(runID)
	if list, ok := s.listing.Get(runID); ok {
		s.metrics.listHits.Add(1)
		return cloneAll(list), nil
	}
	s.metrics.listMisses.Add(1)
	s.metrics.originReads.Add(1)

	list, err := s.origin.ListArtifacts(ctx, runID)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	s.listing.Add(runID, cloneAll(list))
	return list, nil
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.snapshot()
}

func latestKey(runID, phase string) string {
	return strings.TrimSpace(runID) + "/" + phase
}

func clone(a core.PhaseArtifact) core.PhaseArtifact {
	a.Payload = append([]byte(nil), a.Payload...)
	return a
}

func cloneAll(items []core.PhaseArtifact) []core.PhaseArtifact {
	out := make([]core.PhaseArtifact, len(items))
	for i, a := range items {
		out[i] = clone(a)
	}
	return out
}
