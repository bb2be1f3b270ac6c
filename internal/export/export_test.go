package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"gitlab.com/gomidi/midi/v2/smf"

	"recordable/server/internal/score"
)

func sampleScore() *score.Score {
	return &score.Score{
		FinalTick: 9,
		Groups: []score.ScheduledSoundGroup{
			{Tick: 0, Sounds: []score.PartialSoundInstance{{SoundID: 1, Volume: 1, Pitch: 1}}},
			{Tick: 4, Sounds: []score.PartialSoundInstance{{SoundID: 2, X: -8, Volume: 0.5, Pitch: 2}, {SoundID: 3, Volume: 0, Pitch: 0.5}}},
		},
	}
}

func TestRenderWAVProducesExpectedLength(t *testing.T) {
	opts := RenderOptions{SampleRate: beep.SampleRate(8000), TickRate: 20, ToneDuration: 50 * time.Millisecond}
	path := filepath.Join(t.TempDir(), "score.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := RenderWAV(sampleScore(), f, opts); err != nil {
		t.Fatalf("render: %v", err)
	}
	f.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	streamer, format, err := wav.Decode(in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer streamer.Close()
	//1.- Ten ticks at 20 Hz plus the tone tail: 0.55 s at 8 kHz.
	if format.SampleRate != 8000 || format.NumChannels != 2 {
		t.Fatalf("unexpected format %#v", format)
	}
	if want := RenderLength(sampleScore(), opts); streamer.Len() != want || want != 4400 {
		t.Fatalf("expected %d samples, got %d", want, streamer.Len())
	}

	buf := make([][2]float64, 400)
	n, _ := streamer.Stream(buf)
	var peak float64
	for _, frame := range buf[:n] {
		if frame[0] > peak {
			peak = frame[0]
		}
	}
	if peak == 0 {
		t.Fatalf("expected the tick 0 sound to be audible at the start")
	}
}

func TestRenderWAVRejectsNilScore(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "nil.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := RenderWAV(nil, f, RenderOptions{}); err == nil {
		t.Fatalf("expected nil score to fail")
	}
}

func TestWriteMIDINotes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMIDI(sampleScore(), &buf, MIDIOptions{TickRate: 20, Resolution: 480, Tempo: 120}); err != nil {
		t.Fatalf("write midi: %v", err)
	}
	file, err := smf.ReadFrom(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read midi: %v", err)
	}
	if len(file.Tracks) != 1 {
		t.Fatalf("expected one track, got %d", len(file.Tracks))
	}

	type note struct {
		at                     int64
		channel, key, velocity uint8
	}
	var notes []note
	var abs int64
	for _, event := range file.Tracks[0] {
		abs += int64(event.Delta)
		var channel, key, velocity uint8
		if event.Message.GetNoteOn(&channel, &key, &velocity) {
			notes = append(notes, note{at: abs, channel: channel, key: key, velocity: velocity})
		}
	}
	//1.- 480 ticks per quarter at 120 bpm is 960 per second, 48 per step at 20 Hz.
	if len(notes) != 3 {
		t.Fatalf("expected three notes, got %#v", notes)
	}
	if notes[0] != (note{at: 0, channel: 1, key: 60, velocity: 127}) {
		t.Fatalf("unexpected first note %#v", notes[0])
	}
	if notes[1] != (note{at: 192, channel: 2, key: 72, velocity: 64}) {
		t.Fatalf("unexpected second note %#v", notes[1])
	}
	if notes[2].key != 48 || notes[2].velocity != 1 {
		t.Fatalf("expected silent low sound to clamp to velocity 1, got %#v", notes[2])
	}
}

func TestClamp(t *testing.T) {
	if clamp(5, 0, 3) != 3 || clamp(-1.5, -1, 1) != -1 || clamp(2, 0, 3) != 2 {
		t.Fatalf("unexpected clamp result")
	}
}
