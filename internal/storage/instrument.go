package storage

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"recordable/server/internal/score"
)

// ErrUnsupported is returned when the wrapped store lacks an optional capability.
var ErrUnsupported = errors.New("operation not supported by store")

// Counters summarises store traffic for the metrics endpoint.
type Counters struct {
	Stored      uint64
	Requested   uint64
	NotFound    uint64
	Failures    uint64
	BytesStored uint64
}

// InstrumentedStore wraps a Store with tracing spans and traffic counters.
type InstrumentedStore struct {
	next   Store
	tracer trace.Tracer

	stored      atomic.Uint64
	requested   atomic.Uint64
	notFound    atomic.Uint64
	failures    atomic.Uint64
	bytesStored atomic.Uint64
}

// Instrument wraps next. A nil tracer resolves the global provider.
func Instrument(next Store, tracer trace.Tracer) *InstrumentedStore {
	if tracer == nil {
		tracer = otel.Tracer("recordable/storage")
	}
	return &InstrumentedStore{next: next, tracer: tracer}
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() Store { return s.next }

// StoreScore implements Store.
func (s *InstrumentedStore) StoreScore(ctx context.Context, data []byte) (score.ID, error) {
	ctx, span := s.tracer.Start(ctx, "storage.StoreScore", trace.WithAttributes(attribute.Int("score.bytes", len(data))))
	defer span.End()
	id, err := s.next.StoreScore(ctx, data)
	if err != nil {
		s.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	s.stored.Add(1)
	s.bytesStored.Add(uint64(len(data)))
	span.SetAttributes(attribute.String("score.id", id.String()))
	return id, nil
}

// RequestScore implements Store.
func (s *InstrumentedStore) RequestScore(ctx context.Context, id score.ID) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "storage.RequestScore", trace.WithAttributes(attribute.String("score.id", id.String())))
	defer span.End()
	req, err := s.next.RequestScore(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		s.notFound.Add(1)
		return nil, err
	case err != nil:
		s.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.requested.Add(1)
	return req, nil
}

// List forwards to the wrapped store when it implements Lister.
func (s *InstrumentedStore) List(ctx context.Context) ([]Info, error) {
	lister, ok := s.next.(Lister)
	if !ok {
		return nil, ErrUnsupported
	}
	return lister.List(ctx)
}

// Delete forwards to the wrapped store when it implements Deleter.
func (s *InstrumentedStore) Delete(ctx context.Context, id score.ID) error {
	deleter, ok := s.next.(Deleter)
	if !ok {
		return ErrUnsupported
	}
	return deleter.Delete(ctx, id)
}

// Counters returns a snapshot of the traffic counters.
func (s *InstrumentedStore) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Stored:      s.stored.Load(),
		Requested:   s.requested.Load(),
		NotFound:    s.notFound.Load(),
		Failures:    s.failures.Load(),
		BytesStored: s.bytesStored.Load(),
	}
}
