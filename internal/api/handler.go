package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/podushkina/taskrunner/internal/lifecycle"
	"github.com/podushkina/taskrunner/internal/queue"
	"github.com/podushkina/taskrunner/internal/task"
)

type Lifecycle interface {
	Submit(ctx context.Context, s lifecycle.Submission) (string, error)
	Query(ctx context.Context, id string) task.Status
}

type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int64) ([]queue.DeadLetter, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	tasks Lifecycle
	queue QueueInspector
}

func NewHandler(tasks Lifecycle, q QueueInspector) *Handler {
	return &Handler{tasks: tasks, queue: q}
}

type SubmitRequest struct {
	Kind  string `json:"kind,omitempty"`
	Input string `json:"input"`
	Shots int    `json:"shots,omitempty"`
}

type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

type CompletedResponse struct {
	Status string      `json:"status"`
	Result task.Counts `json:"result"`
}

type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Shots < 0 {
		respondError(w, http.StatusBadRequest, "shots must be positive")
		return
	}

	id, err := h.tasks.Submit(r.Context(), lifecycle.Submission{Kind: req.Kind, Input: req.Input, Shots: req.Shots})
	if err != nil {
		var invalid *task.InvalidInputError
		switch {
		case errors.As(err, &invalid):
			respondError(w, http.StatusBadRequest, invalid.Reason)
		case errors.Is(err, task.ErrEnqueue):
			respondError(w, http.StatusServiceUnavailable, "task could not be queued, try again later")
		default:
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	respondJSON(w, http.StatusCreated, SubmitResponse{TaskID: id, Message: task.MessageSubmitted})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	respondJSON(w, http.StatusOK, statusBody(h.tasks.Query(r.Context(), id)))
}

func statusBody(st task.Status) any {
	switch st.State {
	case task.StateCompleted:
		result := st.Result
		if result == nil {
			result = task.Counts{}
		}
		return CompletedResponse{Status: string(task.StateCompleted), Result: result}
	case task.StatePending:
		return MessageResponse{Status: string(task.StatePending), Message: st.Message}
	default:
		// not found is reported as an error to clients
		return MessageResponse{Status: string(task.StateError), Message: st.Message}
	}
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	dead, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, dead)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Detail: message})
}
