package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/GriffinCanCode/caption-digest/internal/config"
	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
	"github.com/GriffinCanCode/caption-digest/internal/export"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

// Request and response bodies.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type VideoRequest struct {
	URL string `json:"url"`
}

type CaptionsRequest struct {
	Language string `json:"language"`
}

type SummaryRequest struct {
	MinLength int `json:"min_length"`
	MaxLength int `json:"max_length"`
}

type EventsResponse struct {
	Events []workflow.Event `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Stage string `json:"stage,omitempty"`
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	sessions *workflow.Manager
	cfg      atomic.Pointer[config.Config]
	limiter  *ipLimiter
}

// New creates a new server.
func New(sessions *workflow.Manager, cfg *config.Config) *Server {
	s := &Server{sessions: sessions, limiter: newIPLimiter()}
	s.cfg.Store(cfg)
	return s
}

// SetConfig swaps the settings read per request (summary defaults, audio
// type, rate limit, origins).
func (s *Server) SetConfig(cfg *config.Config) { s.cfg.Store(cfg) }

// Start runs background maintenance until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.limiter.run(ctx)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/sessions", s.limit(s.handleCreate))
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/audio", s.handleAudioDownload)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)

	mux.HandleFunc("POST /api/sessions/{id}/video", s.limit(s.handleVideo))
	mux.HandleFunc("POST /api/sessions/{id}/languages", s.limit(s.handleLanguages))
	mux.HandleFunc("POST /api/sessions/{id}/captions", s.limit(s.handleCaptions))
	mux.HandleFunc("POST /api/sessions/{id}/summary", s.limit(s.handleSummary))
	mux.HandleFunc("POST /api/sessions/{id}/audio", s.limit(s.handleSynthesize))
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.limit(s.handleReset))

	// Apply middleware: trace -> CORS
	return s.corsMiddleware(trace.Middleware(mux))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin(s.cfg.Load().AllowedOrigins, r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin echoes origin when it is allowed; "*" allows everything.
func allowOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r), s.cfg.Load().RateLimitPerMinute) {
			trace.Logger(r.Context()).Warn("rate limit exceeded", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	seq, err := s.sessions.Create()
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	trace.Logger(trace.WithSession(r.Context(), seq.ID())).Info("session created")
	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: seq.ID()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, seq.Snapshot())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Delete(r.PathValue("id")) {
		writeError(w, r, apperrors.New(apperrors.CodeNotFound, "session not found"), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.session(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, r, err, seq.Stage().String())
		return
	}
	events := seq.Events().Since(since)
	if events == nil {
		events = []workflow.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req VideoRequest
	s.command(w, r, &req, func(ctx context.Context, seq *workflow.Sequencer) (workflow.Snapshot, error) {
		return seq.SubmitURL(ctx, req.URL)
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, nil, func(ctx context.Context, seq *workflow.Sequencer) (workflow.Snapshot, error) {
		return seq.ListLanguages(ctx)
	})
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	var req CaptionsRequest
	s.command(w, r, &req, func(ctx context.Context, seq *workflow.Sequencer) (workflow.Snapshot, error) {
		return seq.SelectLanguage(ctx, req.Language)
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req SummaryRequest
	s.command(w, r, &req, func(ctx context.Context, seq *workflow.Sequencer) (workflow.Snapshot, error) {
		wf := s.cfg.Load().Workflow
		if req.MinLength == 0 {
			req.MinLength = wf.MinLength
		}
		if req.MaxLength == 0 {
			req.MaxLength = wf.MaxLength
		}
		return seq.Summarize(ctx, req.MinLength, req.MaxLength)
	})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, nil, func(ctx context.Context, seq *workflow.Sequencer) (workflow.Snapshot, error) {
		return seq.Synthesize(ctx)
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, nil, func(ctx context.Context, seq *workflow.Sequencer) (workflow.Snapshot, error) {
		return seq.Reset(), nil
	})
}

func (s *Server) handleAudioDownload(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.session(w, r)
	if !ok {
		return
	}
	st := seq.State()
	if len(st.Audio) == 0 {
		writeError(w, r, apperrors.New(apperrors.CodeNotFound, "no audio has been synthesized"), seq.Stage().String())
		return
	}

	mime := s.cfg.Load().Workflow.AudioMIMEType
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s%s"`, st.VideoID, audioExt(mime)))
	w.Header().Set("Content-Length", strconv.Itoa(len(st.Audio)))
	_, _ = w.Write(st.Audio)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.session(w, r)
	if !ok {
		return
	}
	st := seq.State()
	if st.Captions == "" {
		writeError(w, r, apperrors.New(apperrors.CodePrecondition, "fetch captions first").WithStage("export"), seq.Stage().String())
		return
	}

	doc, err := export.Docx(export.Document{
		Title:    st.Title,
		VideoURL: "https://youtu.be/" + st.VideoID,
		Language: st.SelectedLanguage,
		Summary:  st.Summary,
		Captions: st.Captions,
	})
	if err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.CodeInternal, "could not build the document").WithStage("export"), seq.Stage().String())
		return
	}
	w.Header().Set("Content-Type", export.MIMEType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.docx"`, st.VideoID))
	_, _ = w.Write(doc)
}

// command decodes an optional JSON body into req, runs fn against the
// session and answers with the resulting snapshot.
func (s *Server) command(w http.ResponseWriter, r *http.Request, req any, fn func(context.Context, *workflow.Sequencer) (workflow.Snapshot, error)) {
	seq, ok := s.session(w, r)
	if !ok {
		return
	}
	if req != nil {
		if err := decodeBody(w, r, req); err != nil {
			writeError(w, r, err, seq.Stage().String())
			return
		}
	}

	snap, err := fn(r.Context(), seq)
	if err != nil {
		writeError(w, r, err, snap.Stage.String())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*workflow.Sequencer, bool) {
	seq, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, "")
		return nil, false
	}
	return seq, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, MaxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(err, apperrors.CodeInvalidArgument, "malformed request body")
	}
	return nil
}

func parseSince(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid since value %q", v)
	}
	return n, nil
}

func audioExt(mime string) string {
	switch mime {
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// writeError answers with the error's status and a user-facing message.
// stage is the session's stage after the failure.
func writeError(w http.ResponseWriter, r *http.Request, err error, stage string) {
	ae, ok := apperrors.As(err)
	if !ok {
		ae = apperrors.Wrap(err, apperrors.CodeInternal, "internal error")
	}
	status := ae.HTTPStatus()
	log := trace.Logger(r.Context())
	if status >= 500 {
		log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "code", ae.Code.String(), "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: ae.UserMessage(), Code: ae.Code.String(), Stage: stage})
}
