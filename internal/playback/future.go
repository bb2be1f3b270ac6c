package playback

import (
	"sync/atomic"

	"recordable/server/internal/score"
)

// FutureScore hands a decoded score from a background decode to a polling player.
// There is one writer and any number of readers, so no lock is taken.
type FutureScore struct {
	requested atomic.Bool
	score     atomic.Pointer[score.Score]
}

// NewFutureScore returns an unclaimed, unpublished handle.
func NewFutureScore() *FutureScore {
	return &FutureScore{}
}

// Resolved returns a handle that is already claimed and published.
func Resolved(s *score.Score) *FutureScore {
	future := &FutureScore{}
	future.requested.Store(true)
	future.score.Store(s)
	return future
}

// Request claims the right to produce the score. Only the first caller over the lifetime
// of the handle sees true.
func (f *FutureScore) Request() bool {
	return f.requested.CompareAndSwap(false, true)
}

// SetScore publishes s. The first publication wins; later calls report false.
func (f *FutureScore) SetScore(s *score.Score) bool {
	if s == nil {
		return false
	}
	return f.score.CompareAndSwap(nil, s)
}

// Score returns the published score, or nil while the decode is still running.
func (f *FutureScore) Score() *score.Score {
	return f.score.Load()
}
