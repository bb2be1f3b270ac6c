package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"recordable/server/internal/auth"
	"recordable/server/internal/logging"
	"recordable/server/internal/record"
	"recordable/server/internal/score"
	"recordable/server/internal/spatial"
	"recordable/server/internal/storage"
	"recordable/server/internal/volume"
)

// StartRecordingHandler creates a recorder and starts its first session.
func (h *HandlerSet) StartRecordingHandler() http.HandlerFunc {
	type response struct {
		Handle string `json:"handle"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "start_recording")
		if h.recordings == nil {
			http.Error(w, "recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		var spec record.AnchorSpec
		if err := decodeJSON(w, r, &spec); err != nil {
			h.fail(w, reqLogger, "start recording rejected", err)
			return
		}
		handle, err := h.recordings.StartRecording(r.Context(), spec)
		if err != nil {
			h.fail(w, reqLogger, "start recording failed", asInvalid(err))
			return
		}
		reqLogger.Info("recording started", logging.Recording(handle))
		writeJSON(w, http.StatusCreated, response{Handle: handle})
	}
}

// RecordingStatusHandler reports the state of one recording handle.
func (h *HandlerSet) RecordingStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "recording_status")
		if h.recordings == nil {
			http.Error(w, "recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		status, err := h.recordings.RecordingStatus(r.Context(), mux.Vars(r)["handle"])
		if err != nil {
			h.fail(w, reqLogger, "recording status failed", err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// StopRecordingHandler authorises and ends a recording session.
func (h *HandlerSet) StopRecordingHandler() http.HandlerFunc {
	type response struct {
		ScoreID score.ID `json:"score_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		handle := mux.Vars(r)["handle"]
		reqLogger := h.requestLogger(r, "stop_recording").With(logging.Recording(handle))
		if !h.requireAdmin(w, r, reqLogger) {
			return
		}
		if h.recordings == nil {
			http.Error(w, "recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		id, err := h.recordings.StopRecording(r.Context(), handle)
		if err != nil {
			h.fail(w, reqLogger, "stop recording failed", err)
			return
		}
		reqLogger.Info("recording stopped", logging.ScoreID(id))
		writeJSON(w, http.StatusOK, response{ScoreID: id})
	}
}

type soundRequest struct {
	SoundID  uint32       `json:"sound_id"`
	Position spatial.Vec3 `json:"position"`
	Volume   float32      `json:"volume"`
	Pitch    float32      `json:"pitch"`
}

// CaptureSoundHandler offers a world sound to every recorder in range.
func (h *HandlerSet) CaptureSoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "capture_sound")
		if h.recordings == nil {
			http.Error(w, "recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		var req soundRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, reqLogger, "sound rejected", err)
			return
		}
		event := record.SoundEvent{SoundID: req.SoundID, Position: req.Position, Volume: req.Volume, Pitch: req.Pitch}
		if err := h.recordings.CaptureSound(r.Context(), event); err != nil {
			h.fail(w, reqLogger, "sound capture failed", asInvalid(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type poseRequest struct {
	Position spatial.Vec3  `json:"position"`
	Rotation *spatial.Quat `json:"rotation,omitempty"`
	Yaw      float64       `json:"yaw"`
}

// UpdatePoseHandler stores the latest pose of an entity that may carry a recorder.
func (h *HandlerSet) UpdatePoseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "update_pose")
		if h.recordings == nil {
			http.Error(w, "recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		var req poseRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, reqLogger, "pose rejected", err)
			return
		}
		//1.- An explicit rotation wins; otherwise the yaw in degrees describes the facing.
		rot := spatial.Yaw(req.Yaw)
		if req.Rotation != nil {
			rot = *req.Rotation
		}
		if err := h.recordings.UpdatePose(r.Context(), mux.Vars(r)["id"], req.Position, rot); err != nil {
			h.fail(w, reqLogger, "pose update failed", asInvalid(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListScoresHandler enumerates stored scores when the backend supports it.
func (h *HandlerSet) ListScoresHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "list_scores")
		lister, ok := h.store.(storage.Lister)
		if !ok {
			http.Error(w, "score listing is unsupported", http.StatusNotImplemented)
			return
		}
		infos, err := lister.List(r.Context())
		if err != nil {
			h.fail(w, reqLogger, "list scores failed", err)
			return
		}
		if infos == nil {
			infos = []storage.Info{}
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

// ScoreHandler streams the encoded bytes of a stored score.
func (h *HandlerSet) ScoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "get_score")
		id, err := scoreID(r)
		if err != nil {
			h.fail(w, reqLogger, "score lookup rejected", err)
			return
		}
		if h.store == nil {
			http.Error(w, "score storage is unavailable", http.StatusServiceUnavailable)
			return
		}
		data, err := storage.Load(r.Context(), h.store, id)
		if err != nil {
			h.fail(w, reqLogger, "score lookup failed", err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}
}

// DeleteScoreHandler authorises and removes a stored score.
func (h *HandlerSet) DeleteScoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "delete_score")
		if !h.requireAdmin(w, r, reqLogger) {
			return
		}
		id, err := scoreID(r)
		if err != nil {
			h.fail(w, reqLogger, "score delete rejected", err)
			return
		}
		deleter, ok := h.store.(storage.Deleter)
		if !ok {
			http.Error(w, "score deletion is unsupported", http.StatusNotImplemented)
			return
		}
		if err := deleter.Delete(r.Context(), id); err != nil {
			h.fail(w, reqLogger, "score delete failed", err)
			return
		}
		if h.profiles != nil {
			h.profiles.Invalidate(id)
		}
		reqLogger.Info("score deleted", logging.ScoreID(id))
		w.WriteHeader(http.StatusNoContent)
	}
}

// VolumesHandler returns the per-tick loudness profile of a stored score.
func (h *HandlerSet) VolumesHandler() http.HandlerFunc {
	type response struct {
		ScoreID   score.ID            `json:"score_id"`
		FinalTick int                 `json:"final_tick"`
		Loudest   float32             `json:"loudest"`
		Ticks     []volume.TickVolume `json:"ticks"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "score_volumes")
		id, err := scoreID(r)
		if err != nil {
			h.fail(w, reqLogger, "volume lookup rejected", err)
			return
		}
		if h.profiles == nil {
			http.Error(w, "volume profiles are unavailable", http.StatusServiceUnavailable)
			return
		}
		profile, err := h.profiles.Get(r.Context(), id)
		if err != nil {
			h.fail(w, reqLogger, "volume lookup failed", err)
			return
		}
		ticks := profile.Entries
		if ticks == nil {
			ticks = []volume.TickVolume{}
		}
		writeJSON(w, http.StatusOK, response{
			ScoreID:   profile.ScoreID,
			FinalTick: profile.FinalTick,
			Loudest:   profile.Loudest(),
			Ticks:     ticks,
		})
	}
}

// StartBroadcastHandler streams a score's volume profile to websocket listeners.
func (h *HandlerSet) StartBroadcastHandler() http.HandlerFunc {
	type request struct {
		ScoreID   string `json:"score_id"`
		StartTick int    `json:"start_tick"`
	}
	type response struct {
		BroadcastID string `json:"broadcast_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "start_broadcast")
		if h.broadcasts == nil {
			http.Error(w, "broadcasting is unavailable", http.StatusServiceUnavailable)
			return
		}
		var req request
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, reqLogger, "broadcast rejected", err)
			return
		}
		id, err := score.ParseID(req.ScoreID)
		if err != nil {
			h.fail(w, reqLogger, "broadcast rejected", invalid("%v", err))
			return
		}
		broadcastID, err := h.broadcasts.StartBroadcast(r.Context(), id, req.StartTick)
		if err != nil {
			h.fail(w, reqLogger, "broadcast failed", err)
			return
		}
		reqLogger.Info("broadcast started", logging.String("broadcast_id", broadcastID), logging.ScoreID(id))
		writeJSON(w, http.StatusCreated, response{BroadcastID: broadcastID})
	}
}

// StopBroadcastHandler cancels a running broadcast.
func (h *HandlerSet) StopBroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "stop_broadcast")
		if h.broadcasts == nil {
			http.Error(w, "broadcasting is unavailable", http.StatusServiceUnavailable)
			return
		}
		stopped, err := h.broadcasts.StopBroadcast(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			h.fail(w, reqLogger, "broadcast stop failed", err)
			return
		}
		if !stopped {
			http.Error(w, "unknown broadcast", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// StartPlaybackHandler replays a stored score around an anchor.
func (h *HandlerSet) StartPlaybackHandler() http.HandlerFunc {
	type request struct {
		ScoreID   string            `json:"score_id"`
		Anchor    record.AnchorSpec `json:"anchor"`
		StartTick int               `json:"start_tick"`
	}
	type response struct {
		PlaybackID string `json:"playback_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "start_playback")
		if h.playbacks == nil {
			http.Error(w, "playback is unavailable", http.StatusServiceUnavailable)
			return
		}
		var req request
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, reqLogger, "playback rejected", err)
			return
		}
		id, err := score.ParseID(req.ScoreID)
		if err != nil {
			h.fail(w, reqLogger, "playback rejected", invalid("%v", err))
			return
		}
		playbackID, err := h.playbacks.StartPlayback(r.Context(), id, req.Anchor, req.StartTick)
		if err != nil {
			h.fail(w, reqLogger, "playback failed", asInvalid(err))
			return
		}
		reqLogger.Info("playback started", logging.String("playback_id", playbackID), logging.ScoreID(id))
		writeJSON(w, http.StatusCreated, response{PlaybackID: playbackID})
	}
}

// StopPlaybackHandler cancels a running playback.
func (h *HandlerSet) StopPlaybackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "stop_playback")
		if h.playbacks == nil {
			http.Error(w, "playback is unavailable", http.StatusServiceUnavailable)
			return
		}
		stopped, err := h.playbacks.StopPlayback(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			h.fail(w, reqLogger, "playback stop failed", err)
			return
		}
		if !stopped {
			http.Error(w, "unknown playback", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// IssueTokenHandler mints a listener token for the volume stream.
func (h *HandlerSet) IssueTokenHandler() http.HandlerFunc {
	type request struct {
		Subject string `json:"subject"`
	}
	type response struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r, "issue_token")
		if !h.requireAdmin(w, r, reqLogger) {
			return
		}
		if h.keyring == nil {
			http.Error(w, "listener tokens are not configured", http.StatusServiceUnavailable)
			return
		}
		var req request
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, reqLogger, "token request rejected", err)
			return
		}
		token, err := h.keyring.Issue(strings.TrimSpace(req.Subject), auth.AudienceVolumes, h.tokenTTL)
		if err != nil {
			h.fail(w, reqLogger, "token issue failed", invalid("%v", err))
			return
		}
		reqLogger.Info("listener token issued", logging.String("subject", req.Subject))
		writeJSON(w, http.StatusCreated, response{Token: token, ExpiresIn: int(h.tokenTTL.Seconds())})
	}
}

func scoreID(r *http.Request) (score.ID, error) {
	id, err := score.ParseID(mux.Vars(r)["id"])
	if err != nil {
		return "", invalid("%v", err)
	}
	return id, nil
}

// asInvalid treats validation failures from the server as caller errors while leaving
// known domain errors and cancellations untouched.
func asInvalid(err error) error {
	if statusFor(err) != http.StatusInternalServerError {
		return err
	}
	return badRequest{err: err}
}
