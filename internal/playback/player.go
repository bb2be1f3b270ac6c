package playback

import (
	"errors"
	"fmt"
)

// ErrPlayerDone is returned when a finished player is ticked again.
var ErrPlayerDone = errors.New("score player ticked after done")

// State enumerates the player lifecycle.
type State int

const (
	// NotStarted players have never been set playing and behave as paused.
	NotStarted State = iota
	Playing
	Paused
	Done
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Player replays a score tick by tick, dispatching each scheduled group to a sink on
// the tick it was recorded. It is driven by a single goroutine.
type Player struct {
	future *FutureScore
	sink   Sink

	tick  int
	group int

	started bool
	playing bool
	done    bool
}

// NewPlayer constructs a player that begins at startTick. A startTick past zero joins a
// playback already in progress.
func NewPlayer(future *FutureScore, startTick int, sink Sink) *Player {
	if future == nil {
		future = NewFutureScore()
	}
	if startTick < 0 {
		startTick = 0
	}
	return &Player{future: future, sink: sink, tick: startTick}
}

// Tick advances playback by one simulation step. Groups scheduled before the current
// tick are skipped rather than played late.
func (p *Player) Tick() error {
	if p.done {
		return ErrPlayerDone
	}
	s := p.future.Score()

	//1.- Finish once the head has passed the final tick, even while paused.
	if s != nil && p.tick > s.FinalTick {
		p.done = true
		return nil
	}
	//2.- Paused players hold both the tick and the group cursor.
	if !p.playing {
		return nil
	}
	//3.- Skip groups already behind the head so late joiners line up with the score.
	if s != nil {
		for p.group < len(s.Groups) && s.Groups[p.group].Tick < p.tick {
			p.group++
		}
		if p.group < len(s.Groups) && s.Groups[p.group].Tick == p.tick {
			if p.sink != nil {
				for _, sound := range s.Groups[p.group].Sounds {
					p.sink.Play(p.tick, sound)
				}
			}
			p.group++
		}
	}
	//4.- Advance regardless of score availability so the head never falls behind.
	p.tick++
	return nil
}

// SetPlaying toggles between playing and paused without touching the done state.
func (p *Player) SetPlaying(playing bool) {
	p.playing = playing
	if playing {
		p.started = true
	}
}

// Stop forces the player into the done state.
func (p *Player) Stop() {
	p.done = true
}

// Done reports whether playback has finished.
func (p *Player) Done() bool { return p.done }

// CurrentTick returns the tick the next call to Tick will play.
func (p *Player) CurrentTick() int { return p.tick }

// State reports the lifecycle state.
func (p *Player) State() State {
	switch {
	case p.done:
		return Done
	case p.playing:
		return Playing
	case !p.started:
		return NotStarted
	default:
		return Paused
	}
}
