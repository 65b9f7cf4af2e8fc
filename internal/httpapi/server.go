package httpapi

import (
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/kaptinlin/jsonschema"

	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/logging"
	"github.com/ent0n29/vigil/internal/observability"
	"github.com/ent0n29/vigil/internal/pipeline"
	"github.com/ent0n29/vigil/internal/session"
)

//go:embed schema/create_session.json
var createSessionSchema []byte

// maxBodyBytes bounds JSON request bodies, including base64 audio on
// /v1/assess.
const maxBodyBytes = 8 << 20

type Server struct {
	cfg           config.Config
	svc           *pipeline.Service
	metrics       *observability.Metrics
	upgrader      websocket.Upgrader
	createSession *jsonschema.Schema
}

func New(cfg config.Config, svc *pipeline.Service, metrics *observability.Metrics) (*Server, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(createSessionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile create-session schema: %w", err)
	}
	return &Server{
		cfg:           cfg,
		svc:           svc,
		metrics:       metrics,
		createSession: schema,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/assess", s.handleAssess)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/end", s.handleEndSession)
		r.Post("/status", s.handleUpdateStatus)
		r.Post("/transcript", s.handlePushTranscript)
		r.Get("/transcript", s.handleTranscript)
		r.Get("/audio", s.handleAudio)
		r.Get("/ws", s.handleSessionWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.svc.ActiveSessions(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.svc.Ready() {
		respondError(w, http.StatusServiceUnavailable, "try_again", "service is shutting down")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ready",
		"transcribe_provider": s.cfg.TranscribeProvider,
		"store":               storeMode(s.cfg),
	})
}

type createSessionRequest struct {
	UserID string               `json:"user_id"`
	Config sessionConfigRequest `json:"config"`
}

// sessionConfigRequest decodes the client config over a zero value so
// SessionConfig.Normalize sees which fields were omitted. The booleans are
// pointers because false is a meaningful client choice.
type sessionConfigRequest struct {
	config.SessionConfig
	EnableEmergencyDetection *bool `json:"enableEmergencyDetection"`
	RealTimeTranscription    *bool `json:"realTimeTranscription"`
}

func (r sessionConfigRequest) resolve(defaults config.SessionConfig) config.SessionConfig {
	cfg := r.SessionConfig
	cfg.EnableEmergencyDetection = defaults.EnableEmergencyDetection
	if r.EnableEmergencyDetection != nil {
		cfg.EnableEmergencyDetection = *r.EnableEmergencyDetection
	}
	cfg.RealTimeTranscription = defaults.RealTimeTranscription
	if r.RealTimeTranscription != nil {
		cfg.RealTimeTranscription = *r.RealTimeTranscription
	}
	return cfg
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if result := s.createSession.ValidateJSON(raw); !result.IsValid() {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("schema validation failed: %v", result.Errors))
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.svc.StartSession(r.Context(), req.UserID, req.Config.resolve(s.svc.Defaults()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.EndSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

type statusRequest struct {
	Status session.Status `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Status != session.StatusPaused && req.Status != session.StatusActive {
		respondError(w, http.StatusBadRequest, "invalid_request", "status must be paused or active")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.UpdateStatus(r.Context(), id, req.Status); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": req.Status})
}

type transcriptRequest struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func (s *Server) handlePushTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.PushTranscript(r.Context(), chi.URLParam(r, "id"), req.Text, req.Final); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	transcript, err := s.svc.Transcript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if transcript == nil {
		transcript = []session.Transcription{}
	}
	respondJSON(w, http.StatusOK, transcript)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	wav, err := s.svc.AudioWAV(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

type assessRequest struct {
	Text        string `json:"text"`
	Language    string `json:"language"`
	PCM16Base64 string `json:"pcm16_base64"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var pcm []byte
	if req.PCM16Base64 != "" {
		var err error
		if pcm, err = base64.StdEncoding.DecodeString(req.PCM16Base64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_input", "pcm16_base64 is not valid base64")
			return
		}
	}
	a, err := s.svc.Assess(r.Context(), pipeline.AssessRequest{
		Text:       req.Text,
		Language:   req.Language,
		PCM:        pcm,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// respondServiceError maps domain errors to HTTP responses. Anything not
// recognized is reported as a generic retryable failure.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable {
		logging.Errorw("request failed", "error", err)
		respondError(w, status, code, "temporarily unavailable, try again")
		return
	}
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, audio.ErrInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, config.ErrInvalidSessionConfig):
		return http.StatusBadRequest, "invalid_config"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, pipeline.ErrPaused):
		return http.StatusConflict, "session_paused"
	case errors.Is(err, session.ErrRetentionViolation):
		return http.StatusGone, "retention_violation"
	case errors.Is(err, pipeline.ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	default:
		return http.StatusServiceUnavailable, "try_again"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func storeMode(cfg config.Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return "postgres"
	case cfg.StoragePath != "":
		return "badger"
	default:
		return "in-memory"
	}
}
