// Package api serves the JSON control surface of Easel: starting and stopping
// the coaching session, reading its state, transcript and notices, listing
// lessons and replacing the drawing surface bitmap.
//
//	POST   /v1/session     start a session ({"lesson": "...", "mode": "surface|camera"})
//	DELETE /v1/session     stop the session
//	GET    /v1/session     current snapshot
//	GET    /v1/transcript  retained transcript entries, oldest first
//	GET    /v1/notices     recent notices, oldest first
//	GET    /v1/lessons     lesson catalog
//	PUT    /v1/surface     replace the drawing bitmap (PNG or JPEG body)
//	DELETE /v1/surface     clear the drawing bitmap
//
// Both surface routes answer 204 with the new bitmap version in the
// X-Surface-Version header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/easel/internal/lesson"
	"github.com/MrWong99/easel/internal/observe"
	"github.com/MrWong99/easel/internal/session"
	"github.com/MrWong99/easel/internal/transcript"
	"github.com/MrWong99/easel/pkg/capture"
	"github.com/MrWong99/easel/pkg/provider/live"
)

const (
	// DefaultSurfaceRate is the sustained rate of accepted surface uploads.
	DefaultSurfaceRate = rate.Limit(10)

	// DefaultSurfaceBurst is the number of uploads accepted back to back.
	DefaultSurfaceBurst = 5

	// MaxSurfaceBytes caps the size of an uploaded surface image.
	MaxSurfaceBytes = 8 << 20

	maxRequestBytes = 64 << 10
)

// Sessions is the part of the session controller the API drives.
// [*session.Controller] is the production implementation.
type Sessions interface {
	Start(ctx context.Context, req session.Request) error
	Stop()
	Snapshot() session.Snapshot
	Notices() []session.Notice
}

// Lessons looks up lesson presets. [*lesson.Catalog] implements it.
type Lessons interface {
	Get(name string) (lesson.Lesson, error)
	List() []lesson.Lesson
}

// Transcript exposes the retained transcript. [*transcript.Window] implements it.
type Transcript interface {
	Entries() []transcript.Entry
}

// Surface is the drawing bitmap. [*capture.Surface] implements it.
type Surface interface {
	Decode(r io.Reader) error
	Clear()
	Version() uint64
}

// surfaceVersionHeader carries the bitmap version after a surface change.
const surfaceVersionHeader = "X-Surface-Version"

var (
	_ Sessions   = (*session.Controller)(nil)
	_ Lessons    = (*lesson.Catalog)(nil)
	_ Transcript = (*transcript.Window)(nil)
	_ Surface    = (*capture.Surface)(nil)
)

// Option configures a [Server].
type Option func(*Server)

// WithSurfaceLimit sets the surface upload rate limit.
func WithSurfaceLimit(r rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(r, max(burst, 1))
	}
}

// WithStartTimeout bounds how long a start request may wait for the devices
// and the channel. Zero means no bound beyond the request context.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) { s.startTimeout = d }
}

// Server holds the handlers of the control API.
type Server struct {
	sessions   Sessions
	lessons    Lessons
	transcript Transcript
	surface    Surface

	limiter      *rate.Limiter
	startTimeout time.Duration
}

// New creates a Server. surface may be nil, in which case the surface routes
// answer 404.
func New(sessions Sessions, lessons Lessons, tr Transcript, surface Surface, opts ...Option) *Server {
	s := &Server{
		sessions:   sessions,
		lessons:    lessons,
		transcript: tr,
		surface:    surface,
		limiter:    rate.NewLimiter(DefaultSurfaceRate, DefaultSurfaceBurst),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", s.handleStart)
	mux.HandleFunc("DELETE /v1/session", s.handleStop)
	mux.HandleFunc("GET /v1/session", s.handleSnapshot)
	mux.HandleFunc("GET /v1/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/notices", s.handleNotices)
	mux.HandleFunc("GET /v1/lessons", s.handleLessons)
	if s.surface != nil {
		mux.HandleFunc("PUT /v1/surface", s.handleSurfacePut)
		mux.HandleFunc("DELETE /v1/surface", s.handleSurfaceClear)
	}
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// ── Session ──────────────────────────────────────────────────────────────────

// startRequest is the JSON body of POST /v1/session. Both fields are optional.
type startRequest struct {
	Lesson string `json:"lesson"`
	Mode   string `json:"mode"`
}

// errorResponse is the JSON body of every error answer.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	l, err := s.lessons.Get(req.Lesson)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown lesson "+req.Lesson)
		return
	}

	ctx := r.Context()
	if s.startTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.startTimeout)
		defer cancel()
	}

	err = s.sessions.Start(ctx, session.Request{Lesson: l, Mode: capture.Mode(req.Mode)})
	if err != nil {
		status := startStatus(err)
		observe.Logger(r.Context()).Warn("api: start session failed",
			"lesson", l.Name, "status", status, "err", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.sessions.Snapshot())
}

// startStatus maps a start failure onto an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, session.ErrNoProvider),
		errors.Is(err, session.ErrControllerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, live.ErrChannelOpenFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrStopped),
		errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.sessions.Stop()
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.transcript.Entries())
}

func (s *Server) handleNotices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Notices())
}

func (s *Server) handleLessons(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.lessons.List())
}

// ── Surface ──────────────────────────────────────────────────────────────────

func (s *Server) handleSurfacePut(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "surface updates are rate limited")
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxSurfaceBytes)
	if err := s.surface.Decode(body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "surface image too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v := s.surface.Version()
	slog.Debug("api: surface replaced", "version", v)
	w.Header().Set(surfaceVersionHeader, strconv.FormatUint(v, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSurfaceClear(w http.ResponseWriter, _ *http.Request) {
	s.surface.Clear()
	w.Header().Set(surfaceVersionHeader, strconv.FormatUint(s.surface.Version(), 10))
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
