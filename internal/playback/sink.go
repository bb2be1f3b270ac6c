package playback

import (
	"sync"

	"recordable/server/internal/score"
	"recordable/server/internal/spatial"
)

// Sink receives the sounds a player dispatches.
type Sink interface {
	Play(tick int, sound score.PartialSoundInstance)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(tick int, sound score.PartialSoundInstance)

// Play implements Sink.
func (f SinkFunc) Play(tick int, sound score.PartialSoundInstance) { f(tick, sound) }

// WorldSound is a dispatched sound placed back into world coordinates.
type WorldSound struct {
	Tick     int          `json:"tick"`
	SoundID  uint32       `json:"sound_id"`
	Position spatial.Vec3 `json:"position"`
	Volume   float32      `json:"volume"`
	Pitch    float32      `json:"pitch"`
}

// WorldSink converts anchor-relative sounds into world space around a listener pose.
type WorldSink struct {
	// Pose returns the listener position and its local-to-world rotation.
	Pose func() (spatial.Vec3, spatial.Quat)
	Emit func(WorldSound)
}

// Play implements Sink.
func (w WorldSink) Play(tick int, sound score.PartialSoundInstance) {
	if w.Emit == nil {
		return
	}
	origin, rotation := spatial.Vec3{}, spatial.Identity
	if w.Pose != nil {
		origin, rotation = w.Pose()
	}
	rel := spatial.Vec3{X: float64(sound.X), Y: float64(sound.Y), Z: float64(sound.Z)}
	w.Emit(WorldSound{
		Tick:     tick,
		SoundID:  sound.SoundID,
		Position: origin.Add(rotation.Rotate(rel)),
		Volume:   sound.Volume,
		Pitch:    sound.Pitch,
	})
}

// Dispatched is one sound observed by a RecordingSink.
type Dispatched struct {
	Tick  int
	Sound score.PartialSoundInstance
}

// RecordingSink collects every dispatched sound.
type RecordingSink struct {
	mu     sync.Mutex
	played []Dispatched
}

// Play implements Sink.
func (r *RecordingSink) Play(tick int, sound score.PartialSoundInstance) {
	r.mu.Lock()
	r.played = append(r.played, Dispatched{Tick: tick, Sound: sound})
	r.mu.Unlock()
}

// Played returns a copy of the sounds collected so far.
func (r *RecordingSink) Played() []Dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Dispatched(nil), r.played...)
}
