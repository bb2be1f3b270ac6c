package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"recordable/server/internal/broadcast"
	"recordable/server/internal/logging"
	"recordable/server/internal/playback"
	"recordable/server/internal/record"
	"recordable/server/internal/score"
	"recordable/server/internal/spatial"
	"recordable/server/internal/storage"
	"recordable/server/internal/volume"
)

const (
	inboxSize   = 1024
	maxFinished = 1024
)

// ErrServerClosed is returned once the server has shut down.
var ErrServerClosed = errors.New("server closed")

// errRecordingNotStored is reported for sessions that stopped automatically but whose
// score could not be persisted.
var errRecordingNotStored = errors.New("recording stopped but its score could not be stored")

// ServerStats is published once per tick for lock-free reads.
type ServerStats struct {
	Tick       uint64
	Recorders  int
	Recording  int
	Broadcasts int
	Playbacks  int
	Entities   int
}

// finishedRecording is what a handle resolves to once its session has ended.
type finishedRecording struct {
	id  score.ID
	err error
}

type entityPose struct {
	pos spatial.Vec3
	rot spatial.Quat
}

// Server hosts the recording subsystem. Everything it owns is mutated on the simulation
// goroutine; other goroutines reach it through the command inbox.
type Server struct {
	log        *logging.Logger
	store      storage.Store
	loader     *playback.Loader
	limits     score.Limits
	registry   *record.Registry
	broadcasts *broadcast.Manager
	profiles   *volume.Cache
	inbox      chan func(context.Context)
	started    time.Time

	recorders     map[string]*record.Recorder
	finished      map[string]finishedRecording
	finishedOrder []string
	entities      map[string]*entityPose
	players       map[string]*playback.Player
	replayed      []playback.WorldSound

	stats  atomic.Pointer[ServerStats]
	closed atomic.Bool
}

// ServerOptions wires the server collaborators.
type ServerOptions struct {
	Logger    *logging.Logger
	Store     storage.Store
	Limits    score.Limits
	Profiles  *volume.Cache
	Publisher broadcast.Publisher
}

// NewServer constructs a server. Step must then be driven by a single goroutine.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("score store is required")
	}
	if opts.Profiles == nil {
		return nil, errors.New("volume cache is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	limits := opts.Limits
	if limits == (score.Limits{}) {
		limits = score.DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = broadcast.PublisherFunc(func(broadcast.Frame) error { return nil })
	}
	s := &Server{
		log:        logger,
		store:      opts.Store,
		loader:     playback.NewLoader(opts.Store, logger),
		limits:     limits,
		registry:   record.NewRegistry(logger),
		broadcasts: broadcast.NewManager(publisher, logger),
		profiles:   opts.Profiles,
		inbox:      make(chan func(context.Context), inboxSize),
		started:    time.Now(),
		recorders:  make(map[string]*record.Recorder),
		finished:   make(map[string]finishedRecording),
		entities:   make(map[string]*entityPose),
		players:    make(map[string]*playback.Player),
	}
	s.stats.Store(&ServerStats{})
	return s, nil
}

// Step runs one simulation tick: queued commands first, then the recorders, then the
// playbacks and broadcasts.
func (s *Server) Step(ctx context.Context, tick uint64) {
	//1.- Drain only what is queued now so a flood of commands cannot starve the tick.
	for pending := len(s.inbox); pending > 0; pending-- {
		cmd := <-s.inbox
		cmd(ctx)
	}
	//2.- Advance every recording; failures are logged by the registry.
	_ = s.registry.Tick(ctx)
	//3.- Played sounds re-enter the world so nearby recorders capture them this tick.
	s.tickPlayers(ctx)
	//4.- Recorders that stopped without a stored score are retired with their failure.
	s.reapFailed()
	//5.- Broadcasts follow recordings so listeners see this tick's state.
	s.broadcasts.Tick()
	s.stats.Store(&ServerStats{
		Tick:       tick,
		Recorders:  s.registry.Len(),
		Recording:  s.registry.Recording(),
		Broadcasts: s.broadcasts.Len(),
		Playbacks:  len(s.players),
		Entities:   len(s.entities),
	})
}

// Stats returns the snapshot published by the last Step.
func (s *Server) Stats() ServerStats { return *s.stats.Load() }

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration { return time.Since(s.started) }

// StartRecording creates a recorder for spec and begins a session on the next tick.
func (s *Server) StartRecording(ctx context.Context, spec record.AnchorSpec) (string, error) {
	var handle string
	err := s.submit(ctx, func(ctx context.Context) error {
		anchor, err := s.anchorFor(spec)
		if err != nil {
			return err
		}
		h := uuid.NewString()
		recorder, err := record.NewRecorder(anchor, s.store, record.Options{
			Limits: s.limits,
			Logger: s.log.With(logging.Recording(h)),
			OnStop: func(r *record.Recorder, id score.ID) { s.retire(h, r, id, nil) },
		})
		if err != nil {
			return err
		}
		if err := recorder.Start(); err != nil {
			return err
		}
		s.registry.Add(recorder)
		s.recorders[h] = recorder
		handle = h
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("recording started", logging.Recording(handle), logging.String("anchor", spec.Kind))
	return handle, nil
}

// StopRecording ends the session behind handle and returns the stored score id. Sessions
// that already stopped on their own report the id they were stored under, or the error
// that kept them from being stored.
func (s *Server) StopRecording(ctx context.Context, handle string) (score.ID, error) {
	var id score.ID
	err := s.submit(ctx, func(ctx context.Context) error {
		recorder, ok := s.recorders[handle]
		if !ok {
			done, ok := s.finished[handle]
			if !ok {
				return record.ErrUnknownRecording
			}
			id = done.id
			return done.err
		}
		stored, err := recorder.Stop(ctx)
		if err != nil {
			s.retire(handle, recorder, "", err)
			return err
		}
		id = stored
		return nil
	})
	return id, err
}

// RecordingStatus reports the state of handle.
func (s *Server) RecordingStatus(ctx context.Context, handle string) (record.Status, error) {
	status := record.Status{Handle: handle}
	err := s.submit(ctx, func(context.Context) error {
		if recorder, ok := s.recorders[handle]; ok {
			status.Recording = recorder.Recording()
			status.Tick = recorder.CurrentTick()
			status.BytesUsed = recorder.BytesUsed()
			return nil
		}
		done, ok := s.finished[handle]
		if !ok {
			return record.ErrUnknownRecording
		}
		status.ScoreID = done.id
		if done.err != nil {
			status.Error = done.err.Error()
		}
		return nil
	})
	return status, err
}

// CaptureSound offers a world sound to every recording that can hear it.
func (s *Server) CaptureSound(ctx context.Context, event record.SoundEvent) error {
	if !event.Position.Finite() {
		return errors.New("sound position must be finite")
	}
	return s.submit(ctx, func(ctx context.Context) error {
		return s.registry.Capture(ctx, event)
	})
}

// UpdatePose records the latest pose of an entity that may carry a recorder.
func (s *Server) UpdatePose(ctx context.Context, entityID string, pos spatial.Vec3, rot spatial.Quat) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return errors.New("entity id is required")
	}
	if !pos.Finite() {
		return errors.New("entity position must be finite")
	}
	rot = rot.Normalize()
	return s.submit(ctx, func(context.Context) error {
		if pose, ok := s.entities[entityID]; ok {
			pose.pos, pose.rot = pos, rot
			return nil
		}
		s.entities[entityID] = &entityPose{pos: pos, rot: rot}
		return nil
	})
}

// StartBroadcast streams the volume profile of id to websocket listeners from startTick.
func (s *Server) StartBroadcast(ctx context.Context, id score.ID, startTick int) (string, error) {
	//1.- Resolve the profile off the simulation goroutine; it may touch storage.
	profile, err := s.profiles.Get(ctx, id)
	if err != nil {
		return "", err
	}
	broadcastID := uuid.NewString()
	err = s.submit(ctx, func(context.Context) error {
		return s.broadcasts.Start(broadcast.NewBroadcaster(broadcastID, profile, startTick))
	})
	if err != nil {
		return "", err
	}
	return broadcastID, nil
}

// StopBroadcast cancels a running broadcast and reports whether it was active.
func (s *Server) StopBroadcast(ctx context.Context, broadcastID string) (bool, error) {
	var stopped bool
	err := s.submit(ctx, func(context.Context) error {
		stopped = s.broadcasts.Stop(broadcastID)
		return nil
	})
	return stopped, err
}

// StartPlayback replays score id around the anchor described by spec, starting at
// startTick. The score is decoded in the background; ticks that pass before it is ready
// are skipped.
func (s *Server) StartPlayback(ctx context.Context, id score.ID, spec record.AnchorSpec, startTick int) (string, error) {
	if startTick < 0 {
		return "", fmt.Errorf("start tick must not be negative, got %d", startTick)
	}
	playbackID := uuid.NewString()
	//1.- The decode outlives the request that started it but keeps its trace values.
	loadCtx := context.WithoutCancel(ctx)
	err := s.submit(ctx, func(context.Context) error {
		anchor, err := s.anchorFor(spec)
		if err != nil {
			return err
		}
		future := playback.NewFutureScore()
		player := playback.NewPlayer(future, startTick, playback.WorldSink{
			Pose: func() (spatial.Vec3, spatial.Quat) {
				return anchor.Position(), anchor.Rotation().Conjugate()
			},
			Emit: func(sound playback.WorldSound) { s.replayed = append(s.replayed, sound) },
		})
		player.SetPlaying(true)
		s.players[playbackID] = player
		s.loader.Load(loadCtx, id, future)
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("playback started", logging.String("playback", playbackID), logging.ScoreID(id))
	return playbackID, nil
}

// StopPlayback ends a running playback and reports whether it was active.
func (s *Server) StopPlayback(ctx context.Context, playbackID string) (bool, error) {
	var stopped bool
	err := s.submit(ctx, func(context.Context) error {
		player, ok := s.players[playbackID]
		if !ok {
			return nil
		}
		player.Stop()
		delete(s.players, playbackID)
		stopped = true
		return nil
	})
	return stopped, err
}

func (s *Server) tickPlayers(ctx context.Context) {
	//1.- Sorted handles keep the capture order stable between runs.
	for _, playbackID := range slices.Sorted(maps.Keys(s.players)) {
		player := s.players[playbackID]
		if err := player.Tick(); err != nil || player.Done() {
			delete(s.players, playbackID)
			s.log.Debug("playback finished", logging.String("playback", playbackID))
		}
	}
	for _, sound := range s.replayed {
		event := record.SoundEvent{SoundID: sound.SoundID, Position: sound.Position, Volume: sound.Volume, Pitch: sound.Pitch}
		if err := s.registry.Capture(ctx, event); err != nil {
			s.log.Debug("replayed sound dropped", logging.SoundID(sound.SoundID), logging.Error(err))
		}
	}
	s.replayed = s.replayed[:0]
}

// Close discards every in-progress recording. It must run after the simulation loop has
// stopped.
func (s *Server) Close() int {
	if !s.closed.CompareAndSwap(false, true) {
		return 0
	}
	discarded := s.registry.RemoveAndCloseAll()
	s.recorders = make(map[string]*record.Recorder)
	s.players = make(map[string]*playback.Player)
	s.loader.Wait()
	return discarded
}

func (s *Server) anchorFor(spec record.AnchorSpec) (record.Anchor, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "", record.AnchorBlock:
		if !spec.Position.Finite() {
			return nil, errors.New("anchor position must be finite")
		}
		return record.BlockAnchor{Pos: spec.Position, FacingDegrees: spec.Facing}, nil
	case record.AnchorEntity:
		pose, ok := s.entities[spec.EntityID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", record.ErrUnknownEntity, spec.EntityID)
		}
		return record.NewEntityAnchor(record.PoseFunc(func() (spatial.Vec3, spatial.Quat) {
			return pose.pos, pose.rot
		})), nil
	default:
		return nil, fmt.Errorf("unsupported anchor kind %q", spec.Kind)
	}
}

// retire moves handle from the live recorders to the finished history. It runs on the
// simulation goroutine, from the stop callback or after a stop that failed to store.
func (s *Server) retire(handle string, recorder *record.Recorder, id score.ID, err error) {
	s.registry.Remove(recorder)
	delete(s.recorders, handle)
	s.finished[handle] = finishedRecording{id: id, err: err}
	s.finishedOrder = append(s.finishedOrder, handle)
	//1.- Forget the oldest handles once the history is full.
	for len(s.finishedOrder) > maxFinished {
		delete(s.finished, s.finishedOrder[0])
		s.finishedOrder = s.finishedOrder[1:]
	}
	if err != nil {
		s.log.Warn("recording lost", logging.Recording(handle), logging.Error(err))
		return
	}
	s.log.Info("recording stored", logging.Recording(handle), logging.ScoreID(id))
}

// reapFailed retires recorders that stopped on their own but never reached the stop
// callback because storing their score failed.
func (s *Server) reapFailed() {
	for _, handle := range slices.Sorted(maps.Keys(s.recorders)) {
		recorder := s.recorders[handle]
		if recorder.Recording() {
			continue
		}
		err := recorder.Err()
		if err == nil {
			err = errRecordingNotStored
		}
		s.retire(handle, recorder, "", err)
	}
}

// submit queues fn for the next tick and waits for its result.
func (s *Server) submit(ctx context.Context, fn func(context.Context) error) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	result := make(chan error, 1)
	select {
	case s.inbox <- func(ctx context.Context) { result <- fn(ctx) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
