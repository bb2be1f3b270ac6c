package record

import (
	"context"
	"errors"
	"sort"
	"sync"

	"recordable/server/internal/logging"
)

// Registry tracks the live recorders of a world and fans ticks and sounds out to them.
// Membership may change while a fan-out is in progress, including from stop callbacks.
type Registry struct {
	mu      sync.Mutex
	members map[*Recorder]uint64
	seq     uint64
	log     *logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	return &Registry{members: make(map[*Recorder]uint64), log: logger}
}

// Add registers a recorder. Adding the same recorder twice has no effect.
func (r *Registry) Add(recorder *Recorder) {
	if r == nil || recorder == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[recorder]; ok {
		return
	}
	r.seq++
	r.members[recorder] = r.seq
}

// Remove unregisters a recorder without closing it.
func (r *Registry) Remove(recorder *Recorder) {
	if r == nil || recorder == nil {
		return
	}
	r.mu.Lock()
	delete(r.members, recorder)
	r.mu.Unlock()
}

// Contains reports whether recorder is registered.
func (r *Registry) Contains(recorder *Recorder) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[recorder]
	return ok
}

// Len returns the number of registered recorders.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Recording returns how many registered recorders have an active session.
func (r *Registry) Recording() int {
	active := 0
	for _, recorder := range r.snapshot() {
		if recorder.Recording() {
			active++
		}
	}
	return active
}

// Tick advances every recording member by one tick.
func (r *Registry) Tick(ctx context.Context) error {
	var errs []error
	for _, recorder := range r.snapshot() {
		if !recorder.Recording() {
			continue
		}
		if err := recorder.Tick(ctx); err != nil {
			r.log.Warn("recorder tick failed", logging.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Capture offers a sound to every recording member whose anchor can hear it. Members
// started since the last Tick have no open tick yet and do not hear the sound.
func (r *Registry) Capture(ctx context.Context, event SoundEvent) error {
	var errs []error
	for _, recorder := range r.snapshot() {
		if !recorder.Recording() || recorder.CurrentTick() < 0 {
			continue
		}
		if !recorder.Anchor().Accepts(event.Position, event.Volume) {
			continue
		}
		if err := recorder.RecordSound(ctx, event); err != nil {
			r.log.Warn("recorder capture failed", logging.Error(err), logging.SoundID(event.SoundID))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveAndCloseAll empties the registry and discards every in-progress session.
// Used on shutdown or world unload; sessions are not persisted.
func (r *Registry) RemoveAndCloseAll() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	members := r.members
	r.members = make(map[*Recorder]uint64)
	r.mu.Unlock()

	discarded := 0
	for recorder := range members {
		if recorder.Recording() {
			discarded++
		}
		recorder.Close()
	}
	if discarded > 0 {
		r.log.Info("discarded in-progress recordings", logging.Int("count", discarded))
	}
	return discarded
}

// snapshot copies the membership in registration order so iteration tolerates mutation.
func (r *Registry) snapshot() []*Recorder {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]*Recorder, 0, len(r.members))
	for recorder := range r.members {
		out = append(out, recorder)
	}
	order := r.members
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	r.mu.Unlock()
	return out
}
