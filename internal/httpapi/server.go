package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/trutalk/trutalk/internal/call"
	"github.com/trutalk/trutalk/internal/clips"
	"github.com/trutalk/trutalk/internal/config"
	"github.com/trutalk/trutalk/internal/echo"
	"github.com/trutalk/trutalk/internal/emotion"
	"github.com/trutalk/trutalk/internal/matching"
	"github.com/trutalk/trutalk/internal/observability"
	"github.com/trutalk/trutalk/internal/rooms"
)

type Server struct {
	cfg      config.Config
	pipeline *clips.Pipeline
	broker   *matching.Broker
	calls    *call.Manager
	echoes   *echo.Composer
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	ready    func(*http.Request) error
}

func New(cfg config.Config, pipeline *clips.Pipeline, broker *matching.Broker, calls *call.Manager, echoes *echo.Composer, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		broker:   broker,
		calls:    calls,
		echoes:   echoes,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened
				// up; non-browser clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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
	}
}

// SetReadinessCheck registers an extra readiness probe (database ping).
func (s *Server) SetReadinessCheck(check func(*http.Request) error) {
	s.ready = check
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/clips", s.handleSubmitClip)
	r.Get("/v1/clips/{id}", s.handleGetClip)
	r.Post("/v1/clips/{id}/transcription", s.handleClipTranscription)
	r.Post("/v1/clips/{id}/vector", s.handleClipVector)
	r.Post("/v1/clips/{id}/failure", s.handleClipFailure)

	r.Post("/v1/matches/evaluate", s.handleEvaluateMatch)
	r.Get("/v1/matches/{id}", s.handleGetMatch)
	r.Post("/v1/matches/{id}/accept", s.handleAcceptMatch)
	r.Post("/v1/matches/{id}/reject", s.handleRejectMatch)

	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Post("/v1/calls/{id}/join", s.handleJoinCall)
	r.Post("/v1/calls/{id}/segments", s.handleAppendSegment)
	r.Post("/v1/calls/{id}/quality", s.handleRecordQuality)
	r.Post("/v1/calls/{id}/end", s.handleEndCall)
	r.Post("/v1/calls/{id}/echo", s.handleComposeEcho)
	r.Get("/v1/calls/ws", s.handleCallWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleSubmitClip(w http.ResponseWriter, r *http.Request) {
	var req clips.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	clip, err := s.pipeline.Submit(req)
	if err != nil {
		// Submit only rejects malformed payloads.
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.metrics.ClipsSubmitted.Inc()
	respondJSON(w, http.StatusCreated, clip)
}

func (s *Server) handleGetClip(w http.ResponseWriter, r *http.Request) {
	clip, err := s.pipeline.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, clip)
}

type transcriptionRequest struct {
	Transcription    string  `json:"transcription"`
	LanguageDetected string  `json:"language_detected"`
	ConfidenceScore  float64 `json:"confidence_score"`
}

func (s *Server) handleClipTranscription(w http.ResponseWriter, r *http.Request) {
	var req transcriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	clip, err := s.pipeline.OnTranscribed(chi.URLParam(r, "id"), req.Transcription, req.LanguageDetected, req.ConfidenceScore)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, clip)
}

type vectorRequest struct {
	EmotionVector emotion.Vector `json:"emotion_vector"`
	EmotionLabels emotion.Labels `json:"emotion_labels"`
}

func (s *Server) handleClipVector(w http.ResponseWriter, r *http.Request) {
	var req vectorRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	clip, err := s.pipeline.OnVectorized(chi.URLParam(r, "id"), req.EmotionVector, req.EmotionLabels)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, clip)
}

type failureRequest struct {
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleClipFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	clip, err := s.pipeline.OnFailed(chi.URLParam(r, "id"), req.ErrorMessage)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, clip)
}

type evaluateRequest struct {
	ClipID string `json:"clip_id"`
}

type evaluateResponse struct {
	Matched bool            `json:"matched"`
	Match   *matching.Match `json:"match,omitempty"`
}

func (s *Server) handleEvaluateMatch(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	clip, err := s.pipeline.Get(strings.TrimSpace(req.ClipID))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	match, err := s.broker.Evaluate(r.Context(), clip)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, evaluateResponse{Matched: match != nil, Match: match})
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	match, err := s.broker.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

type participantRequest struct {
	UserID string `json:"user_id"`
}

type acceptResponse struct {
	Match  matching.Match `json:"match"`
	CallID string         `json:"call_id,omitempty"`
}

func (s *Server) handleAcceptMatch(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	match, callID, err := s.broker.Accept(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.UserID))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acceptResponse{Match: match, CallID: callID})
}

func (s *Server) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	match, err := s.broker.Reject(chi.URLParam(r, "id"), strings.TrimSpace(req.UserID))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	session, err := s.calls.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleJoinCall(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	session, err := s.calls.Join(chi.URLParam(r, "id"), strings.TrimSpace(req.UserID))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if session.Status == call.StatusActive {
		s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	}
	respondJSON(w, http.StatusOK, session)
}

type segmentRequest struct {
	UserID       string `json:"user_id"`
	Original     string `json:"original"`
	Translated   string `json:"translated"`
	LanguageFrom string `json:"language_from"`
	LanguageTo   string `json:"language_to"`
	TimestampMS  int64  `json:"timestamp"`
}

func (s *Server) handleAppendSegment(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callID := chi.URLParam(r, "id")
	session, err := s.calls.Get(callID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	seg := call.Segment{
		Speaker:      session.Slot(strings.TrimSpace(req.UserID)),
		Original:     req.Original,
		Translated:   req.Translated,
		LanguageFrom: req.LanguageFrom,
		LanguageTo:   req.LanguageTo,
		TimestampMS:  req.TimestampMS,
	}
	session, err = s.calls.AppendSegment(callID, seg)
	if err != nil {
		if errors.Is(err, call.ErrOutOfOrder) {
			s.metrics.SegmentAppends.WithLabelValues("out_of_order").Inc()
		} else {
			s.metrics.SegmentAppends.WithLabelValues("rejected").Inc()
		}
		respondDomainError(w, err)
		return
	}
	s.metrics.SegmentAppends.WithLabelValues("ok").Inc()
	respondJSON(w, http.StatusOK, session)
}

type qualityRequest struct {
	LatencyMS  float64 `json:"latency_ms"`
	PacketLoss float64 `json:"packet_loss"`
	JitterMS   float64 `json:"jitter_ms"`
}

func (s *Server) handleRecordQuality(w http.ResponseWriter, r *http.Request) {
	var req qualityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	session, err := s.calls.RecordQuality(chi.URLParam(r, "id"), call.QualitySample{
		LatencyMS:  req.LatencyMS,
		PacketLoss: req.PacketLoss,
		JitterMS:   req.JitterMS,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

type endCallRequest struct {
	UserID  string `json:"user_id"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	outcome := call.OutcomeCompleted
	if strings.EqualFold(strings.TrimSpace(req.Outcome), string(call.OutcomeFailed)) {
		outcome = call.OutcomeFailed
	}
	session, err := s.calls.End(chi.URLParam(r, "id"), strings.TrimSpace(req.UserID), outcome)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleComposeEcho(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	composed, err := s.echoes.Compose(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.UserID))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if composed == nil {
		// No speech from this participant; the skip is not an error.
		respondJSON(w, http.StatusOK, map[string]any{"composed": false})
		return
	}
	respondJSON(w, http.StatusCreated, composed)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondDomainError maps domain sentinels onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, emotion.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, clips.ErrNotFound),
		errors.Is(err, matching.ErrNotFound),
		errors.Is(err, call.ErrNotFound),
		errors.Is(err, echo.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, matching.ErrAlreadyConsumed),
		errors.Is(err, call.ErrAlreadyConsumed):
		respondError(w, http.StatusConflict, "already_consumed", err.Error())
	case errors.Is(err, call.ErrOutOfOrder):
		respondError(w, http.StatusConflict, "out_of_order", err.Error())
	case errors.Is(err, matching.ErrActiveMatch):
		respondError(w, http.StatusConflict, "active_match", err.Error())
	case errors.Is(err, clips.ErrInvalidState),
		errors.Is(err, matching.ErrInvalidState),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, echo.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, clips.ErrUpstream),
		errors.Is(err, rooms.ErrUpstream):
		respondError(w, http.StatusBadGateway, "upstream_failure", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
