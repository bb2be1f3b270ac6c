package record

import (
	"context"
	"errors"
	"fmt"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/spatial"
)

var (
	// ErrAlreadyRecording is returned when Start is called on an active recorder.
	ErrAlreadyRecording = errors.New("recorder is already recording")
	// ErrNotRecording is returned when a session operation runs on an idle recorder.
	ErrNotRecording = errors.New("recorder is not recording")
	// ErrNoOpenTick is returned when a sound arrives before the first tick of a session.
	ErrNoOpenTick = errors.New("recorder has not ticked since start")
	// ErrClosed is returned when a closed recorder is started again.
	ErrClosed = errors.New("recorder is closed")
)

// Store persists finished recordings. Implementations must copy data before returning
// because the recorder releases its arena immediately afterwards.
type Store interface {
	StoreScore(ctx context.Context, data []byte) (score.ID, error)
}

// StopFunc is invoked after a recording has been persisted, whatever triggered the stop.
type StopFunc func(recorder *Recorder, id score.ID)

// SoundEvent is a sound emitted in the world.
type SoundEvent struct {
	SoundID  uint32
	Position spatial.Vec3
	Volume   float32
	Pitch    float32
}

// Options configures a Recorder.
type Options struct {
	Limits score.Limits
	OnStop StopFunc
	Logger *logging.Logger
}

// Recorder captures sounds heard from an anchor into a bounded arena using the score
// record layout. A Recorder is driven by a single goroutine.
type Recorder struct {
	anchor Anchor
	store  Store
	limits score.Limits
	onStop StopFunc
	log    *logging.Logger

	arena      []byte
	pos        int
	header     int
	soundCount int
	tick       int
	rotation   spatial.Quat
	recording  bool
	closed     bool
	lastErr    error
}

// NewRecorder constructs an idle recorder bound to anchor and store.
func NewRecorder(anchor Anchor, store Store, opts Options) (*Recorder, error) {
	if anchor == nil {
		return nil, errors.New("anchor is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	limits := opts.Limits
	if limits == (score.Limits{}) {
		limits = score.DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("recorder limits: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Recorder{
		anchor:   anchor,
		store:    store,
		limits:   limits,
		onStop:   opts.OnStop,
		log:      logger,
		header:   -1,
		tick:     -1,
		rotation: spatial.Identity,
	}, nil
}

// Anchor returns the frame the recorder captures in.
func (r *Recorder) Anchor() Anchor { return r.anchor }

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool { return r != nil && r.recording }

// Closed reports whether Close has been called.
func (r *Recorder) Closed() bool { return r != nil && r.closed }

// CurrentTick returns the tick index of the active session, or -1 before the first tick.
func (r *Recorder) CurrentTick() int {
	if r == nil || !r.recording {
		return -1
	}
	return r.tick
}

// Err reports why the last session ended without a stored score, or nil.
func (r *Recorder) Err() error {
	if r == nil {
		return nil
	}
	return r.lastErr
}

// BytesUsed returns how much of the arena the active session has written.
func (r *Recorder) BytesUsed() int {
	if r == nil || !r.recording {
		return 0
	}
	return r.pos
}

// Start begins a new session and allocates the arena.
func (r *Recorder) Start() error {
	if r.closed {
		return ErrClosed
	}
	if r.recording {
		return ErrAlreadyRecording
	}
	r.arena = make([]byte, r.limits.MaxRecordBytes)
	r.pos = 0
	r.header = -1
	r.soundCount = 0
	r.tick = -1
	r.rotation = spatial.Identity
	r.recording = true
	r.lastErr = nil
	return nil
}

// Tick closes the current tick and opens the next one. A tick without sounds keeps its
// reserved header for the following tick. Running out of ticks or arena space stops the
// session gracefully; the returned error only reflects persistence failures.
func (r *Recorder) Tick(ctx context.Context) error {
	if !r.recording {
		return ErrNotRecording
	}
	//1.- Capture the anchor orientation once so every sound of the tick shares it.
	r.rotation = r.anchor.Rotation()

	//2.- Opening one tick past the cap ends the session instead.
	if r.tick+1 >= r.limits.MaxTicks {
		_, err := r.Stop(ctx)
		return err
	}

	//3.- Patch the header of a tick that produced sounds so the next tick gets a fresh slot.
	if r.soundCount > 0 {
		score.PutTickHeader(r.arena[r.header:], r.tick, r.soundCount)
		r.header = -1
		r.soundCount = 0
	}

	//4.- An arena filled to the last byte ends the session on the following tick.
	if r.pos >= len(r.arena) {
		_, err := r.Stop(ctx)
		return err
	}

	//5.- Reserve a header slot unless the previous empty tick left one open.
	if r.header < 0 {
		if len(r.arena)-r.pos < score.TickHeaderSize {
			_, err := r.Stop(ctx)
			return err
		}
		r.header = r.pos
		r.pos += score.TickHeaderSize
	}
	r.tick++
	return nil
}

// RecordSound appends a sound to the current tick, expressed relative to the anchor.
// When the arena cannot hold the sound it is dropped and the session stops.
func (r *Recorder) RecordSound(ctx context.Context, event SoundEvent) error {
	if !r.recording {
		return ErrNotRecording
	}
	if r.header < 0 {
		return ErrNoOpenTick
	}
	if len(r.arena)-r.pos < score.SoundSize {
		_, err := r.Stop(ctx)
		return err
	}

	//1.- Translate into the anchor frame then rotate by the orientation captured this tick.
	rel := r.rotation.Rotate(event.Position.Sub(r.anchor.Position()))
	score.PutSound(r.arena[r.pos:], score.PartialSoundInstance{
		SoundID: event.SoundID,
		X:       float32(rel.X),
		Y:       float32(rel.Y),
		Z:       float32(rel.Z),
		Volume:  event.Volume,
		Pitch:   event.Pitch,
	})
	r.pos += score.SoundSize
	r.soundCount++

	//2.- A full tick or a full arena ends the session with the sound kept.
	if r.soundCount >= r.limits.MaxSoundsPerTick || r.pos >= len(r.arena) {
		_, err := r.Stop(ctx)
		return err
	}
	return nil
}

// Stop finalises the session, persists it and invokes the stop callback with the new
// identifier. The arena is released even when persistence fails.
func (r *Recorder) Stop(ctx context.Context) (score.ID, error) {
	if !r.recording {
		return "", ErrNotRecording
	}
	r.recording = false

	//1.- Close the open tick: patch it when it holds sounds, otherwise mark it terminal.
	if r.header >= 0 {
		if r.soundCount > 0 {
			score.PutTickHeader(r.arena[r.header:], r.tick, r.soundCount)
		} else {
			score.PutTickHeader(r.arena[r.header:], max(r.tick, 0), 0)
		}
	} else if len(r.arena)-r.pos >= score.TickHeaderSize {
		score.PutTickHeader(r.arena[r.pos:], max(r.tick, 0), 0)
		r.pos += score.TickHeaderSize
	}
	data := r.arena[:r.pos]
	ticks := r.tick + 1

	//2.- Reset session state before handing the bytes to storage.
	r.pos = 0
	r.header = -1
	r.soundCount = 0
	r.tick = -1

	id, err := r.store.StoreScore(ctx, data)
	r.arena = nil
	if err != nil {
		r.log.Warn("score persistence failed", logging.Error(err), logging.Bytes(len(data)))
		r.lastErr = fmt.Errorf("store score: %w", err)
		return "", r.lastErr
	}
	r.log.Debug("score recorded", logging.ScoreID(id), logging.Bytes(len(data)), logging.Int("ticks", ticks))

	if r.onStop != nil {
		r.onStop(r, id)
	}
	return id, nil
}

// Close discards any in-progress session without persisting it. Close is idempotent.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.recording = false
	r.arena = nil
	r.pos = 0
	r.header = -1
	r.soundCount = 0
	r.tick = -1
	r.closed = true
}
