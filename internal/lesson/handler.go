package lesson

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

const (
	// ChatPath streams a lesson turn.
	ChatPath = "/api/chat"

	// EvaluationPath returns the latest learner evaluation.
	EvaluationPath = "/api/evaluation"

	maxTurnBody = 64 << 10
)

// Handler exposes a [Pipeline] over HTTP.
type Handler struct {
	pipeline *Pipeline
	metrics  *observe.Metrics
}

// NewHandler returns a Handler for p.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p, metrics: p.metrics}
}

// Register mounts the chat and evaluation routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+ChatPath, h.Chat)
	mux.HandleFunc("GET "+EvaluationPath, h.Evaluation)
}

// Chat runs one turn and streams its events as server-sent events. Request
// validation failures are reported as plain JSON errors before the stream
// starts; failures during the turn become a final error event.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var req protocol.TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid turn request")
		return
	}

	sse, err := protocol.NewSSEWriter(w)
	if err != nil {
		log.Error("lesson: cannot stream turn", "err", err)
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h.metrics.ActiveTurns.Add(ctx, 1)
	defer h.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)

	err = h.pipeline.Run(ctx, req, func(ev protocol.TurnEvent) error {
		return sse.Send(ev)
	})
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		log.Debug("lesson: client went away during turn", "err", err)
		return
	}
	log.Warn("lesson: turn failed", "user_id", req.UserID, "err", err)
	if sendErr := sse.Send(protocol.TurnErrorEvent(clientMessage(err))); sendErr != nil {
		log.Debug("lesson: write error event", "err", sendErr)
	}
}

// Evaluation returns the latest evaluation of ?userId=.
func (h *Handler) Evaluation(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	ev, err := h.pipeline.Store().LatestEvaluation(r.Context(), userID)
	switch {
	case errors.Is(err, ErrEvaluationNotFound):
		writeError(w, http.StatusNotFound, "no evaluation yet")
	case err != nil:
		observe.Logger(r.Context()).Error("lesson: load evaluation", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load evaluation")
	default:
		writeJSON(w, http.StatusOK, ev)
	}
}

// clientMessage hides internal details of unexpected failures.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrLessonNotFound),
		errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrNoLLM):
		return err.Error()
	}
	return "the tutor could not answer, please try again"
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
