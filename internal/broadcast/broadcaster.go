package broadcast

import (
	"errors"
	"sort"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/volume"
)

// ErrDuplicateBroadcast is returned when a broadcast id is already active.
var ErrDuplicateBroadcast = errors.New("broadcast already active")

// Frame is one loudness update of a running broadcast.
type Frame struct {
	BroadcastID string   `json:"broadcast_id"`
	ScoreID     score.ID `json:"score_id"`
	Tick        int      `json:"tick"`
	Volume      float32  `json:"volume"`
	Done        bool     `json:"done,omitempty"`
}

// Publisher delivers frames to listeners.
type Publisher interface {
	Publish(Frame) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Frame) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(frame Frame) error { return f(frame) }

// Broadcaster walks a volume profile one tick at a time, the way a record player
// animates its speaker while a score plays. Only changes in loudness are published.
type Broadcaster struct {
	id      string
	profile *volume.Profile
	tick    int
	last    float32
	done    bool
}

// NewBroadcaster starts a broadcast of profile at startTick.
func NewBroadcaster(id string, profile *volume.Profile, startTick int) *Broadcaster {
	if startTick < 0 {
		startTick = 0
	}
	return &Broadcaster{id: id, profile: profile, tick: startTick}
}

// ID returns the broadcast identifier.
func (b *Broadcaster) ID() string { return b.id }

// Done reports whether the final frame has been published.
func (b *Broadcaster) Done() bool { return b.done }

// Tick advances the broadcast by one tick and publishes any loudness change.
func (b *Broadcaster) Tick(pub Publisher) error {
	if b.done {
		return nil
	}
	frame := Frame{BroadcastID: b.id, ScoreID: b.profile.ScoreID, Tick: b.tick}
	//1.- Past the final tick the listeners get a closing frame and the broadcast ends.
	if b.tick > b.profile.FinalTick {
		b.done = true
		frame.Done = true
		return pub.Publish(frame)
	}
	current, _ := b.profile.At(b.tick)
	b.tick++
	if current == b.last {
		return nil
	}
	b.last = current
	frame.Volume = current
	return pub.Publish(frame)
}

// Manager owns the active broadcasts. It is driven from the simulation goroutine.
type Manager struct {
	pub    Publisher
	log    *logging.Logger
	active map[string]*Broadcaster
}

// NewManager constructs an empty manager publishing to pub.
func NewManager(pub Publisher, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.L()
	}
	return &Manager{pub: pub, log: logger, active: make(map[string]*Broadcaster)}
}

// Start registers a broadcast.
func (m *Manager) Start(b *Broadcaster) error {
	if _, exists := m.active[b.ID()]; exists {
		return ErrDuplicateBroadcast
	}
	m.active[b.ID()] = b
	return nil
}

// Stop removes a broadcast without publishing a closing frame. It reports whether the id
// was active.
func (m *Manager) Stop(id string) bool {
	if _, ok := m.active[id]; !ok {
		return false
	}
	delete(m.active, id)
	return true
}

// Len returns the number of active broadcasts.
func (m *Manager) Len() int { return len(m.active) }

// Tick advances every broadcast in id order and retires the finished ones.
func (m *Manager) Tick() {
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := m.active[id]
		if err := b.Tick(m.pub); err != nil {
			m.log.Warn("volume frame publish failed", logging.String("broadcast_id", id), logging.Error(err))
		}
		if b.Done() {
			delete(m.active, id)
		}
	}
}
