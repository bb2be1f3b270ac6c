package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/storage"
)

// Stats summarises cache effectiveness for the metrics endpoint.
type Stats struct {
	Entries      int
	Hits         uint64
	Computations uint64
	Failures     uint64
}

// Cache memoises volume profiles per score. Concurrent first requests for the same score
// share one computation; failures are returned to every waiter and never cached.
type Cache struct {
	store  storage.Store
	group  singleflight.Group
	tracer trace.Tracer
	log    *logging.Logger

	mu       sync.RWMutex
	profiles map[score.ID]*Profile

	hits         atomic.Uint64
	computations atomic.Uint64
	failures     atomic.Uint64
}

// Option customises a Cache.
type Option func(*Cache)

// WithTracer overrides the tracer used for computation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Cache) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithLogger overrides the cache logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.log = logger
		}
	}
}

// NewCache constructs an empty cache reading scores from store.
func NewCache(store storage.Store, opts ...Option) *Cache {
	cache := &Cache{
		store:    store,
		tracer:   otel.Tracer("recordable/volume"),
		log:      logging.L(),
		profiles: make(map[score.ID]*Profile),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// Get returns the volume profile of id, computing it on first use.
func (c *Cache) Get(ctx context.Context, id score.ID) (*Profile, error) {
	if c == nil || c.store == nil {
		return nil, errors.New("volume cache is not configured")
	}
	//1.- Serve memoised profiles without touching storage.
	if profile := c.lookup(id); profile != nil {
		c.hits.Add(1)
		return profile, nil
	}
	//2.- Collapse concurrent misses; the shared computation must not die with one caller.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(id), func() (any, error) {
		if profile := c.lookup(id); profile != nil {
			return profile, nil
		}
		return c.compute(shared, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Profile), nil
	}
}

// Invalidate drops the memoised profile of id.
func (c *Cache) Invalidate(id score.ID) {
	c.mu.Lock()
	delete(c.profiles, id)
	c.mu.Unlock()
	c.group.Forget(string(id))
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.RLock()
	entries := len(c.profiles)
	c.mu.RUnlock()
	return Stats{
		Entries:      entries,
		Hits:         c.hits.Load(),
		Computations: c.computations.Load(),
		Failures:     c.failures.Load(),
	}
}

func (c *Cache) lookup(id score.ID) *Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profiles[id]
}

func (c *Cache) compute(ctx context.Context, id score.ID) (*Profile, error) {
	ctx, span := c.tracer.Start(ctx, "volume.Compute", trace.WithAttributes(attribute.String("score.id", id.String())))
	defer span.End()
	c.computations.Add(1)

	profile, err := c.load(ctx, id)
	if err != nil {
		c.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("volume profile computation failed", logging.ScoreID(id), logging.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("volume.ticks", profile.Len()))

	c.mu.Lock()
	c.profiles[id] = profile
	c.mu.Unlock()
	return profile, nil
}

func (c *Cache) load(ctx context.Context, id score.ID) (*Profile, error) {
	req, err := c.store.RequestScore(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("request score %s: %w", id, err)
	}
	//1.- The profile copies what it needs, so the view can be released right after the walk.
	defer req.Close()
	profile, err := Compute(id, req.Data())
	if err != nil {
		return nil, fmt.Errorf("compute volumes for %s: %w", id, err)
	}
	return profile, nil
}
