package playback

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/spatial"
	"recordable/server/internal/storage"
)

func fiveTickScore() *score.Score {
	return &score.Score{
		FinalTick: 10,
		Groups: []score.ScheduledSoundGroup{
			{Tick: 5, Sounds: []score.PartialSoundInstance{{SoundID: 1, Volume: 1, Pitch: 1}, {SoundID: 2, Volume: 1, Pitch: 1}}},
		},
	}
}

func TestPlayerDispatchesGroupOnItsTick(t *testing.T) {
	sink := &RecordingSink{}
	player := NewPlayer(Resolved(fiveTickScore()), 0, sink)
	player.SetPlaying(true)

	ticks := 0
	for !player.Done() {
		if err := player.Tick(); err != nil {
			t.Fatalf("tick: %v", err)
		}
		ticks++
		if ticks > 100 {
			t.Fatalf("player never finished")
		}
	}
	played := sink.Played()
	if len(played) != 2 || played[0].Tick != 5 || played[0].Sound.SoundID != 1 || played[1].Sound.SoundID != 2 {
		t.Fatalf("unexpected dispatch %#v", played)
	}
	//1.- Ticks 0..10 play, the twelfth call observes tick 11 and finishes.
	if ticks != 12 || player.CurrentTick() != 11 {
		t.Fatalf("expected done after 12 ticks at tick 11, got %d ticks at %d", ticks, player.CurrentTick())
	}
	if err := player.Tick(); !errors.Is(err, ErrPlayerDone) {
		t.Fatalf("expected ErrPlayerDone, got %v", err)
	}
}

func TestPlayerPauseHoldsPosition(t *testing.T) {
	sink := &RecordingSink{}
	player := NewPlayer(Resolved(fiveTickScore()), 0, sink)
	if player.State() != NotStarted {
		t.Fatalf("expected not started, got %v", player.State())
	}
	player.SetPlaying(true)
	for i := 0; i < 5; i++ {
		_ = player.Tick()
	}
	player.SetPlaying(false)
	for i := 0; i < 4; i++ {
		_ = player.Tick()
	}
	if player.CurrentTick() != 5 || len(sink.Played()) != 0 || player.State() != Paused {
		t.Fatalf("expected paused at tick 5 with nothing played, got %d %d %v", player.CurrentTick(), len(sink.Played()), player.State())
	}
	player.SetPlaying(true)
	_ = player.Tick()
	if len(sink.Played()) != 2 {
		t.Fatalf("expected resume to play the tick 5 group")
	}
}

func TestPlayerFinishesWhilePaused(t *testing.T) {
	player := NewPlayer(Resolved(fiveTickScore()), 11, nil)
	if err := player.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !player.Done() {
		t.Fatalf("expected a paused player past the final tick to finish")
	}
}

func TestPlayerAdvancesWithoutScore(t *testing.T) {
	future := NewFutureScore()
	sink := &RecordingSink{}
	player := NewPlayer(future, 0, sink)
	player.SetPlaying(true)
	for i := 0; i < 5; i++ {
		_ = player.Tick()
	}
	if player.CurrentTick() != 5 || player.Done() {
		t.Fatalf("expected head to keep moving without a score, got %d", player.CurrentTick())
	}
	future.SetScore(fiveTickScore())
	_ = player.Tick()
	if len(sink.Played()) != 2 {
		t.Fatalf("expected the group to play once the score arrived")
	}
}

func TestPlayerLateJoinSkipsPastGroups(t *testing.T) {
	s := &score.Score{
		FinalTick: 9,
		Groups: []score.ScheduledSoundGroup{
			{Tick: 2, Sounds: []score.PartialSoundInstance{{SoundID: 1}}},
			{Tick: 8, Sounds: []score.PartialSoundInstance{{SoundID: 2}}},
		},
	}
	sink := &RecordingSink{}
	player := NewPlayer(Resolved(s), 6, sink)
	player.SetPlaying(true)
	for !player.Done() {
		_ = player.Tick()
	}
	played := sink.Played()
	if len(played) != 1 || played[0].Sound.SoundID != 2 || played[0].Tick != 8 {
		t.Fatalf("unexpected dispatch %#v", played)
	}
}

func TestPlayerStop(t *testing.T) {
	player := NewPlayer(nil, 0, nil)
	player.SetPlaying(true)
	player.Stop()
	player.SetPlaying(true)
	if player.State() != Done {
		t.Fatalf("expected stop to win over playing, got %v", player.State())
	}
}

func TestFutureScoreRequestIsExclusive(t *testing.T) {
	future := NewFutureScore()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if future.Request() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if future.Score() != nil {
		t.Fatalf("expected no score before publication")
	}
	first := fiveTickScore()
	if !future.SetScore(first) || future.SetScore(fiveTickScore()) {
		t.Fatalf("expected only the first publication to succeed")
	}
	if future.Score() != first {
		t.Fatalf("expected the first score to stay published")
	}
}

func TestWorldSinkRotatesIntoListenerFrame(t *testing.T) {
	var got WorldSound
	sink := WorldSink{
		Pose: func() (spatial.Vec3, spatial.Quat) { return spatial.Vec3{X: 10}, spatial.Yaw(90) },
		Emit: func(sound WorldSound) { got = sound },
	}
	sink.Play(3, score.PartialSoundInstance{SoundID: 7, Z: 1, Volume: 0.5})
	//1.- A quarter turn about +Y maps local +Z onto world +X.
	if math.Abs(got.Position.X-11) > 1e-9 || math.Abs(got.Position.Z) > 1e-9 || got.Tick != 3 || got.SoundID != 7 {
		t.Fatalf("unexpected world sound %#v", got)
	}
}

func TestLoaderPublishesOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	data, err := score.Encode(fiveTickScore())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	id, _ := store.StoreScore(ctx, data)
	loader := NewLoader(store, logging.NewTestLogger())
	future := NewFutureScore()
	if !loader.Load(ctx, id, future) {
		t.Fatalf("expected first load to start a decode")
	}
	if loader.Load(ctx, id, future) {
		t.Fatalf("expected second load to be gated")
	}
	loader.Wait()
	if got := future.Score(); got == nil || got.FinalTick != 10 || len(got.Groups) != 1 {
		t.Fatalf("unexpected decoded score %#v", got)
	}
}

func TestLoaderLeavesFutureEmptyOnFailure(t *testing.T) {
	loader := NewLoader(storage.NewMemoryStore(), logging.NewTestLogger())
	future := NewFutureScore()
	loader.Load(context.Background(), score.NewID(), future)
	loader.Wait()
	if future.Score() != nil {
		t.Fatalf("expected no score for a missing id")
	}
}
