package playback

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/storage"
)

// Loader decodes stored scores in the background and publishes them to futures.
type Loader struct {
	store  storage.Store
	log    *logging.Logger
	tracer trace.Tracer
	wg     sync.WaitGroup
}

// NewLoader constructs a loader reading from store.
func NewLoader(store storage.Store, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.L()
	}
	return &Loader{store: store, log: logger, tracer: otel.Tracer("recordable/playback")}
}

// Load spawns one decode job for future. It reports false when the future was already
// claimed, in which case nothing is started.
func (l *Loader) Load(ctx context.Context, id score.ID, future *FutureScore) bool {
	if future == nil || !future.Request() {
		return false
	}
	//1.- Decodes run to completion; the caller's cancellation only stops the storage read.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.decode(ctx, id, future); err != nil {
			l.log.Warn("score decode failed", logging.ScoreID(id), logging.Error(err))
		}
	}()
	return true
}

// Wait blocks until every spawned decode has finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

func (l *Loader) decode(ctx context.Context, id score.ID, future *FutureScore) error {
	ctx, span := l.tracer.Start(ctx, "playback.Decode", trace.WithAttributes(attribute.String("score.id", id.String())))
	defer span.End()

	data, err := storage.Load(ctx, l.store, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load score: %w", err)
	}
	decoded, err := score.Decode(data)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("decode score: %w", err)
	}
	span.SetAttributes(attribute.Int("score.final_tick", decoded.FinalTick), attribute.Int("score.groups", len(decoded.Groups)))
	future.SetScore(decoded)
	l.log.Debug("score decoded", logging.ScoreID(id), logging.Int("final_tick", decoded.FinalTick))
	return nil
}
