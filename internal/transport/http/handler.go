package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// Handler exposes the engine over plain HTTP. Instructor control, student
// polling, submission, and the SSE stream all speak the same payload shapes;
// a client switching transports observes identical state.
type Handler struct {
	sessions *app.SessionService
	registry *app.RegistryService
	capture  *app.CaptureService
	log      zerolog.Logger
}

func NewHandler(sessions *app.SessionService, registry *app.RegistryService, capture *app.CaptureService, log zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, registry: registry, capture: capture, log: log}
}

// Register wires every route onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("POST /api/sessions/{id}/start", h.lifecycle(h.sessions.Start))
	mux.HandleFunc("POST /api/sessions/{id}/pause", h.lifecycle(h.sessions.Pause))
	mux.HandleFunc("POST /api/sessions/{id}/resume", h.lifecycle(h.sessions.Resume))
	mux.HandleFunc("POST /api/sessions/{id}/next", h.lifecycle(h.sessions.NextQuestion))
	mux.HandleFunc("GET /api/sessions/{id}/state", h.state)
	mux.HandleFunc("GET /api/sessions/{id}/client-state", h.clientState)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.events)
	mux.HandleFunc("GET /api/sessions/{id}/stats", h.stats)
	mux.HandleFunc("GET /api/sessions/{id}/stream", h.stream)

	mux.HandleFunc("POST /api/sessions/{id}/connections", h.registerConnection)
	mux.HandleFunc("POST /api/sessions/{id}/heartbeat", h.heartbeat)
	mux.HandleFunc("POST /api/sessions/{id}/disconnect", h.disconnect)

	mux.HandleFunc("POST /api/sessions/{id}/responses", h.submit)
	mux.HandleFunc("POST /api/sessions/{id}/responses/batch", h.submitBatch)
	mux.HandleFunc("POST /api/sessions/{id}/responses/queue", h.queueResponse)
	mux.HandleFunc("POST /api/sessions/{id}/responses/queue/process", h.processQueue)
}

type createSessionRequest struct {
	ActivityID       string `json:"activityId"`
	TimeLimit        int    `json:"timeLimit"`
	ShuffleQuestions bool   `json:"shuffleQuestions"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.ActivityID == "" {
		badRequest(w, "activityId is required")
		return
	}
	session, err := h.sessions.Create(r.Context(), req.ActivityID, app.CreateOptions{
		TimeLimit:        req.TimeLimit,
		ShuffleQuestions: req.ShuffleQuestions,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type actorRequest struct {
	ActorID string `json:"actorId"`
}

// lifecycle adapts the four instructor transitions into one handler shape.
func (h *Handler) lifecycle(op func(ctx context.Context, sessionID, actorID string) (domain.StateSnapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		snap, err := op(r.Context(), r.PathValue("id"), req.ActorID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.State(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) clientState(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participantId")
	if participantID == "" {
		badRequest(w, "participantId is required")
		return
	}
	state, err := h.sessions.ClientState(r.Context(), r.PathValue("id"), participantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	events, err := h.sessions.Events(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type registerRequest struct {
	ParticipantID string           `json:"participantId"`
	ConnectionID  string           `json:"connectionId"`
	Transport     domain.Transport `json:"transport"`
}

func (h *Handler) registerConnection(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.ParticipantID == "" {
		badRequest(w, "participantId is required")
		return
	}
	if req.ConnectionID == "" {
		req.ConnectionID = uuid.NewString()
	}
	if req.Transport != domain.TransportSSE {
		req.Transport = domain.TransportPolling
	}
	conn, err := h.registry.Register(r.Context(), r.PathValue("id"), req.ParticipantID, req.ConnectionID, req.Transport)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

type heartbeatRequest struct {
	ParticipantID string `json:"participantId"`
	ConnectionID  string `json:"connectionId"`
	SentAt        int64  `json:"sentAt,omitempty"` // client send time, epoch millis
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	reconnected, err := h.registry.Heartbeat(r.Context(), r.PathValue("id"), req.ParticipantID, req.ConnectionID, req.SentAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reconnected": reconnected})
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := h.registry.Disconnect(r.Context(), r.PathValue("id"), req.ParticipantID, req.ConnectionID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type submitRequest struct {
	QuestionID      string `json:"questionId"`
	ParticipantID   string `json:"participantId"`
	Answer          string `json:"answer"`
	ClientTimestamp *int64 `json:"clientTimestamp,omitempty"`
}

func (r submitRequest) toApp(sessionID string) app.SubmitRequest {
	return app.SubmitRequest{
		SessionID:       sessionID,
		QuestionID:      r.QuestionID,
		ParticipantID:   r.ParticipantID,
		Answer:          r.Answer,
		ClientTimestamp: r.ClientTimestamp,
	}
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	result, err := h.capture.Submit(r.Context(), req.toApp(r.PathValue("id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type batchRequest struct {
	ActorID string          `json:"actorId"`
	Entries []submitRequest `json:"entries"`
}

func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	sessionID := r.PathValue("id")
	entries := make([]app.SubmitRequest, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, e.toApp(sessionID))
	}
	actor := req.ActorID
	if actor == "" && len(req.Entries) > 0 {
		actor = req.Entries[0].ParticipantID
	}
	result, err := h.capture.SubmitBatch(r.Context(), actor, entries)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) queueResponse(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	entry, err := h.capture.Queue(r.Context(), req.toApp(r.PathValue("id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

type processQueueRequest struct {
	Limit int `json:"limit"`
}

func (h *Handler) processQueue(w http.ResponseWriter, r *http.Request) {
	var req processQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	processed, err := h.capture.ProcessQueue(r.Context(), req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeError maps the domain taxonomy onto HTTP statuses. Expected failures
// carry explicit reasons so client retries are never blind.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrActivityNotFound),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrConnectionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionNotActive):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrInvalidAnswer):
		status, code = http.StatusUnprocessableEntity, "invalid_answer"
	case errors.Is(err, domain.ErrDuplicateResponse):
		status, code = http.StatusConflict, "duplicate"
	case errors.Is(err, domain.ErrConnectionMismatch):
		status, code = http.StatusConflict, "connection_mismatch"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrBatchTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "too_large"
	default:
		h.log.Error().Err(err).Msg("unhandled request error")
		status, code = http.StatusInternalServerError, "internal"
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: err.Error()}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{Code: "bad_request", Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
