package export

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/wav"
	"golang.org/x/exp/constraints"

	"recordable/server/internal/playback"
	"recordable/server/internal/score"
)

const (
	DefaultSampleRate   = beep.SampleRate(44100)
	DefaultTickRate     = 20.0
	DefaultToneDuration = 150 * time.Millisecond
	// baseFrequency is the tone of sound id 0 at pitch 1.
	baseFrequency = 220.0
	// panDistance is the lateral offset, in blocks, that pans a sound fully to one side.
	panDistance = 16.0
)

// RenderOptions tunes the offline renderer.
type RenderOptions struct {
	SampleRate   beep.SampleRate
	TickRate     float64
	ToneDuration time.Duration
}

func (o RenderOptions) normalised() RenderOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.TickRate <= 0 {
		o.TickRate = DefaultTickRate
	}
	if o.ToneDuration <= 0 {
		o.ToneDuration = DefaultToneDuration
	}
	return o
}

// RenderLength returns the number of samples RenderWAV produces for s.
func RenderLength(s *score.Score, opts RenderOptions) int {
	opts = opts.normalised()
	if s == nil {
		return 0
	}
	span := time.Duration(float64(s.FinalTick+1) / opts.TickRate * float64(time.Second))
	return opts.SampleRate.N(span + opts.ToneDuration)
}

// RenderWAV plays s through a Player and mixes one tone per dispatched sound into a
// 16-bit stereo WAV written to w.
func RenderWAV(s *score.Score, w io.WriteSeeker, opts RenderOptions) error {
	if s == nil {
		return errors.New("render wav: nil score")
	}
	opts = opts.normalised()
	mixer := &beep.Mixer{}

	//1.- Drive a player across the whole score so dispatch order matches live playback.
	sink := playback.SinkFunc(func(tick int, sound score.PartialSoundInstance) {
		offset := opts.SampleRate.N(time.Duration(float64(tick) / opts.TickRate * float64(time.Second)))
		mixer.Add(beep.Seq(beep.Silence(offset), toneFor(sound, opts)))
	})
	player := playback.NewPlayer(playback.Resolved(s), 0, sink)
	player.SetPlaying(true)
	for !player.Done() {
		if err := player.Tick(); err != nil {
			return fmt.Errorf("render wav: %w", err)
		}
	}

	//2.- The mixer never ends on its own, so cut it at the score length.
	format := beep.Format{SampleRate: opts.SampleRate, NumChannels: 2, Precision: 2}
	if err := wav.Encode(w, beep.Take(RenderLength(s, opts), mixer), format); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return nil
}

func toneFor(sound score.PartialSoundInstance, opts RenderOptions) beep.Streamer {
	pitch := clamp(float64(sound.Pitch), 0.5, 2)
	if sound.Pitch == 0 {
		pitch = 1
	}
	freq := baseFrequency * math.Pow(2, float64(sound.SoundID%24)/12) * pitch
	t := &tone{
		freq:  freq,
		rate:  opts.SampleRate,
		total: opts.SampleRate.N(opts.ToneDuration),
		pan:   clamp(float64(sound.X)/panDistance, -1, 1),
	}
	return gain(t, clamp(float64(sound.Volume), 0, 1))
}

// gain scales s linearly; a zero gain yields silence.
func gain(s beep.Streamer, g float64) beep.Streamer {
	if g <= 0 {
		return &effects.Volume{Streamer: s, Base: 2, Silent: true}
	}
	return &effects.Volume{Streamer: s, Base: 2, Volume: math.Log2(g)}
}

// tone is a decaying sine panned between the two channels.
type tone struct {
	freq     float64
	phase    float64
	rate     beep.SampleRate
	position int
	total    int
	pan      float64
}

func (t *tone) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		if t.position >= t.total {
			return i, i > 0
		}
		decay := 1 - float64(t.position)/float64(t.total)
		val := math.Sin(2*math.Pi*t.phase) * decay
		samples[i][0] = val * (1 - t.pan) / 2
		samples[i][1] = val * (1 + t.pan) / 2
		t.phase += t.freq / float64(t.rate)
		t.phase -= math.Floor(t.phase)
		t.position++
	}
	return len(samples), true
}

func (t *tone) Err() error { return nil }

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
