package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"recordable/server/internal/auth"
	"recordable/server/internal/broadcast"
	"recordable/server/internal/logging"
	"recordable/server/internal/record"
	"recordable/server/internal/score"
	"recordable/server/internal/simulation"
	"recordable/server/internal/spatial"
	"recordable/server/internal/storage"
	"recordable/server/internal/volume"
)

// Recordings is the recording surface of the server.
type Recordings interface {
	StartRecording(ctx context.Context, spec record.AnchorSpec) (string, error)
	StopRecording(ctx context.Context, handle string) (score.ID, error)
	RecordingStatus(ctx context.Context, handle string) (record.Status, error)
	CaptureSound(ctx context.Context, event record.SoundEvent) error
	UpdatePose(ctx context.Context, entityID string, pos spatial.Vec3, rot spatial.Quat) error
}

// Broadcasts starts and stops volume broadcasts.
type Broadcasts interface {
	StartBroadcast(ctx context.Context, id score.ID, startTick int) (string, error)
	StopBroadcast(ctx context.Context, broadcastID string) (bool, error)
}

// Playbacks replays stored scores back into the world.
type Playbacks interface {
	StartPlayback(ctx context.Context, id score.ID, spec record.AnchorSpec, startTick int) (string, error)
	StopPlayback(ctx context.Context, playbackID string) (bool, error)
}

// Profiles resolves memoised volume profiles.
type Profiles interface {
	Get(ctx context.Context, id score.ID) (*volume.Profile, error)
	Invalidate(id score.ID)
}

// RateLimiter gates how frequently sensitive operations may be invoked per caller.
type RateLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// Metrics is the point-in-time view rendered by the metrics endpoint.
type Metrics struct {
	Uptime       time.Duration
	Tick         uint64
	Recorders    int
	Recording    int
	Broadcasts   int
	Playbacks    int
	Entities     int
	Hub          broadcast.HubStats
	Storage      storage.Counters
	Profiles     volume.Stats
	TickTiming   simulation.TickMetricsSnapshot
	TickBudget   time.Duration
	TicksDropped uint64
}

// Options configures the HandlerSet.
type Options struct {
	Logger         *logging.Logger
	Recordings     Recordings
	Broadcasts     Broadcasts
	Playbacks      Playbacks
	Store          storage.Store
	Profiles       Profiles
	Stream         http.Handler
	Keyring        *auth.Keyring
	TokenTTL       time.Duration
	AdminToken     string
	RateLimiter    RateLimiter
	AllowedOrigins []string
	Ready          func() error
	Metrics        func() Metrics
	TimeSource     func() time.Time
}

// HandlerSet bundles the recording service HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	recordings  Recordings
	broadcasts  Broadcasts
	playbacks   Playbacks
	store       storage.Store
	profiles    Profiles
	stream      http.Handler
	keyring     *auth.Keyring
	tokenTTL    time.Duration
	adminToken  string
	rateLimiter RateLimiter
	origins     []string
	ready       func() error
	metrics     func() Metrics
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &HandlerSet{
		logger:      logger,
		recordings:  opts.Recordings,
		broadcasts:  opts.Broadcasts,
		playbacks:   opts.Playbacks,
		store:       opts.Store,
		profiles:    opts.Profiles,
		stream:      opts.Stream,
		keyring:     opts.Keyring,
		tokenTTL:    ttl,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		origins:     opts.AllowedOrigins,
		ready:       opts.Ready,
		metrics:     opts.Metrics,
		now:         now,
	}
}

// Handler builds the routed handler with trace propagation and CORS applied.
func (h *HandlerSet) Handler() http.Handler {
	router := mux.NewRouter()
	h.Register(router)
	router.Use(logging.HTTPTraceMiddleware(h.logger))

	origins := h.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Admin-Token", logging.TraceIDHeader},
		ExposedHeaders: []string{logging.TraceIDHeader, "Retry-After"},
	}).Handler(router)
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(router *mux.Router) {
	if router == nil {
		return
	}
	router.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.MetricsHandler()).Methods(http.MethodGet)

	router.HandleFunc("/recordings", h.StartRecordingHandler()).Methods(http.MethodPost)
	router.HandleFunc("/recordings/{handle}", h.RecordingStatusHandler()).Methods(http.MethodGet)
	router.HandleFunc("/recordings/{handle}/stop", h.StopRecordingHandler()).Methods(http.MethodPost)
	router.HandleFunc("/sounds", h.CaptureSoundHandler()).Methods(http.MethodPost)
	router.HandleFunc("/entities/{id}/pose", h.UpdatePoseHandler()).Methods(http.MethodPut)

	router.HandleFunc("/scores", h.ListScoresHandler()).Methods(http.MethodGet)
	router.HandleFunc("/scores/{id}", h.ScoreHandler()).Methods(http.MethodGet)
	router.HandleFunc("/scores/{id}", h.DeleteScoreHandler()).Methods(http.MethodDelete)
	router.HandleFunc("/scores/{id}/volumes", h.VolumesHandler()).Methods(http.MethodGet)

	router.HandleFunc("/broadcasts", h.StartBroadcastHandler()).Methods(http.MethodPost)
	router.HandleFunc("/broadcasts/{id}", h.StopBroadcastHandler()).Methods(http.MethodDelete)
	router.HandleFunc("/playbacks", h.StartPlaybackHandler()).Methods(http.MethodPost)
	router.HandleFunc("/playbacks/{id}", h.StopPlaybackHandler()).Methods(http.MethodDelete)
	router.HandleFunc("/tokens", h.IssueTokenHandler()).Methods(http.MethodPost)
	if h.stream != nil {
		router.Handle("/ws/volumes", h.stream)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the server can accept recordings.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Recording     int     `json:"recording"`
		Listeners     int     `json:"listeners"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.metrics != nil {
			snapshot := h.metrics()
			resp.UptimeSeconds = snapshot.Uptime.Seconds()
			resp.Recording = snapshot.Recording
			resp.Listeners = snapshot.Hub.Clients
		}
		if h.ready != nil {
			if err := h.ready(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Metrics
		if h.metrics != nil {
			m = h.metrics()
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		gauge(w, "recordable_uptime_seconds", "Server uptime in seconds.", fmt.Sprintf("%.0f", m.Uptime.Seconds()))
		gauge(w, "recordable_tick", "Last simulation tick processed.", m.Tick)
		gauge(w, "recordable_recorders", "Recorders attached to the simulation.", m.Recorders)
		gauge(w, "recordable_recording", "Recorders with an open session.", m.Recording)
		gauge(w, "recordable_broadcasts", "Volume broadcasts in progress.", m.Broadcasts)
		gauge(w, "recordable_playbacks", "Score playbacks in progress.", m.Playbacks)
		gauge(w, "recordable_entities", "Entities with a reported pose.", m.Entities)
		gauge(w, "recordable_listeners", "Connected volume listeners.", m.Hub.Clients)
		counter(w, "recordable_frames_total", "Volume frames published to listeners.", m.Hub.Frames)
		counter(w, "recordable_listeners_dropped_total", "Listeners dropped for falling behind.", m.Hub.Dropped)

		counter(w, "recordable_scores_stored_total", "Scores persisted.", m.Storage.Stored)
		counter(w, "recordable_score_bytes_stored_total", "Encoded score bytes persisted.", m.Storage.BytesStored)
		counter(w, "recordable_scores_requested_total", "Score requests served.", m.Storage.Requested)
		counter(w, "recordable_scores_not_found_total", "Score requests for unknown identifiers.", m.Storage.NotFound)
		counter(w, "recordable_storage_failures_total", "Storage operations that failed.", m.Storage.Failures)

		gauge(w, "recordable_volume_profiles", "Memoised volume profiles.", m.Profiles.Entries)
		counter(w, "recordable_volume_hits_total", "Volume profile cache hits.", m.Profiles.Hits)
		counter(w, "recordable_volume_computations_total", "Volume profiles computed.", m.Profiles.Computations)
		counter(w, "recordable_volume_failures_total", "Volume profile computations that failed.", m.Profiles.Failures)

		gauge(w, "recordable_tick_duration_avg_seconds", "Average simulation step duration.", fmt.Sprintf("%.6f", m.TickTiming.Average.Seconds()))
		gauge(w, "recordable_tick_duration_max_seconds", "Longest simulation step observed.", fmt.Sprintf("%.6f", m.TickTiming.Max.Seconds()))
		gauge(w, "recordable_tick_headroom_ratio", "Fraction of the tick budget left unused.", fmt.Sprintf("%.4f", m.TickTiming.Headroom(m.TickBudget)))
		counter(w, "recordable_tick_overruns_total", "Simulation steps that exceeded their budget.", m.TickTiming.Overruns)
		counter(w, "recordable_ticks_dropped_total", "Ticks skipped because the loop fell too far behind.", m.TicksDropped)
	}
}

func gauge(w http.ResponseWriter, name, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, value)
}

func counter(w http.ResponseWriter, name, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %v\n", name, help, name, name, value)
}

// requireAdmin enforces the admin token and, when configured, the rate limiter. It writes
// the rejection and returns false when the request must not proceed.
func (h *HandlerSet) requireAdmin(w http.ResponseWriter, r *http.Request, reqLogger *logging.Logger) bool {
	if h.adminToken == "" {
		reqLogger.Warn("request denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	if !h.authorise(r) {
		reqLogger.Warn("request denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if h.rateLimiter != nil {
		if ok, retry := h.rateLimiter.Allow(clientKey(r)); !ok {
			reqLogger.Warn("request denied: rate limit exceeded", logging.Duration("retry_after", retry))
			seconds := int((retry + time.Second - 1) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return false
		}
	}
	return true
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func (h *HandlerSet) requestLogger(r *http.Request, handler string) *logging.Logger {
	fields := []logging.Field{
		logging.String("handler", handler),
		logging.String("remote_addr", r.RemoteAddr),
	}
	if traceID := logging.TraceIDFromContext(r.Context()); traceID != "" {
		fields = append(fields, logging.String(logging.TraceIDField, traceID))
	}
	return h.logger.With(fields...)
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

// badRequest marks caller errors that should surface as 400 responses.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func invalid(format string, args ...any) error {
	return badRequest{err: fmt.Errorf(format, args...)}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, record.ErrUnknownRecording),
		errors.Is(err, record.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, score.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, record.ErrAlreadyRecording),
		errors.Is(err, record.ErrNotRecording),
		errors.Is(err, broadcast.ErrDuplicateBroadcast):
		return http.StatusConflict
	case errors.Is(err, storage.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HandlerSet) fail(w http.ResponseWriter, reqLogger *logging.Logger, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		reqLogger.Error(message, logging.Error(err))
	} else {
		reqLogger.Debug(message, logging.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return invalid("decode request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
