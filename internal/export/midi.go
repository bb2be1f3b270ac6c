package export

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"recordable/server/internal/playback"
	"recordable/server/internal/score"
)

const (
	DefaultResolution = 480
	DefaultTempo      = 120.0
	middleC           = 60
)

// MIDIOptions tunes the MIDI export.
type MIDIOptions struct {
	TickRate   float64
	Resolution uint16
	Tempo      float64
}

func (o MIDIOptions) normalised() MIDIOptions {
	if o.TickRate <= 0 {
		o.TickRate = DefaultTickRate
	}
	if o.Resolution == 0 {
		o.Resolution = DefaultResolution
	}
	if o.Tempo <= 0 {
		o.Tempo = DefaultTempo
	}
	return o
}

// ticksPerStep converts one simulation tick into MIDI ticks.
func (o MIDIOptions) ticksPerStep() uint32 {
	perSecond := float64(o.Resolution) * o.Tempo / 60
	return uint32(math.Max(1, math.Round(perSecond/o.TickRate)))
}

type noteEvent struct {
	at  uint32
	off bool
	msg midi.Message
}

// WriteMIDI exports s as a single-track standard MIDI file. Each sound becomes one note
// lasting a simulation tick: the sound id picks the channel, pitch picks the key and
// volume picks the velocity.
func WriteMIDI(s *score.Score, w io.Writer, opts MIDIOptions) error {
	if s == nil {
		return errors.New("write midi: nil score")
	}
	opts = opts.normalised()
	step := opts.ticksPerStep()

	var events []noteEvent
	sink := playback.SinkFunc(func(tick int, sound score.PartialSoundInstance) {
		channel := uint8(sound.SoundID % 16)
		key := keyFor(sound.Pitch)
		velocity := uint8(clamp(math.Round(float64(sound.Volume)*127), 1, 127))
		at := uint32(tick) * step
		events = append(events,
			noteEvent{at: at, msg: midi.NoteOn(channel, key, velocity)},
			noteEvent{at: at + step, off: true, msg: midi.NoteOff(channel, key)},
		)
	})
	player := playback.NewPlayer(playback.Resolved(s), 0, sink)
	player.SetPlaying(true)
	for !player.Done() {
		if err := player.Tick(); err != nil {
			return fmt.Errorf("write midi: %w", err)
		}
	}

	//1.- Releases sort ahead of attacks sharing a timestamp so repeated keys retrigger.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].off && !events[j].off
	})

	var track smf.Track
	track.Add(0, smf.MetaTempo(opts.Tempo))
	var last uint32
	for _, event := range events {
		track.Add(event.at-last, event.msg)
		last = event.at
	}
	//2.- Pad the track out to the final tick so silent tails survive the export.
	end := uint32(s.FinalTick+1) * step
	if end < last {
		end = last
	}
	track.Close(end - last)

	file := smf.New()
	file.TimeFormat = smf.MetricTicks(opts.Resolution)
	if err := file.Add(track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("write midi: %w", err)
	}
	return nil
}

func keyFor(pitch float32) uint8 {
	if pitch <= 0 {
		return middleC
	}
	semitones := math.Round(12 * math.Log2(float64(pitch)))
	return uint8(clamp(middleC+semitones, 0, 127))
}
