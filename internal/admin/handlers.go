package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"git.sr.ht/~sircmpwn/dopoll"
)

const maxBodySize = 1 << 20 // 1 MB

type healthResponse struct {
	Status string `json:"status"`
}

type statusResponse struct {
	WorkerID   string     `json:"worker_id"`
	Phase      poll.Phase `json:"phase"`
	Running    bool       `json:"running"`
	IntervalMS int64      `json:"interval_ms"`
}

// enqueueTaskRequest is the JSON body for POST /tasks.
type enqueueTaskRequest struct {
	ID       string          `json:"id"`
	Priority poll.Priority   `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// sendMessageRequest is the JSON body for POST /messages.
type sendMessageRequest struct {
	ID       string          `json:"id"`
	Source   string          `json:"source"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority poll.Priority   `json:"priority"`
}

type pollResponse struct {
	Tasks    int `json:"tasks"`
	Messages int `json:"messages"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		WorkerID:   s.engine.WorkerID(),
		Phase:      s.engine.Phase(),
		Running:    s.engine.Running(),
		IntervalMS: s.engine.Interval().Milliseconds(),
	})
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil {
		s.writeError(w, http.StatusNotImplemented, "source does not accept tasks")
		return
	}

	var req enqueueTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Priority.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown priority")
		return
	}

	t := poll.Task{
		ID:        req.ID,
		Priority:  req.Priority,
		CreatedAt: time.Now().UTC(),
	}
	if len(req.Payload) > 0 {
		t.Payload = req.Payload
	}
	t, err := s.enqueuer.EnqueueTask(r.Context(), t)
	if err != nil {
		s.logger.Error("enqueue task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil {
		s.writeError(w, http.StatusNotImplemented, "source does not accept messages")
		return
	}

	var req sendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Source == "" || req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "source and type are required")
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown priority")
		return
	}

	m := poll.Message{
		ID:        req.ID,
		Source:    req.Source,
		Type:      req.Type,
		Priority:  req.Priority,
		Timestamp: time.Now().UTC(),
	}
	if len(req.Payload) > 0 {
		m.Payload = req.Payload
	}
	m, err := s.enqueuer.SendMessage(r.Context(), m)
	if err != nil {
		s.logger.Error("send message", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	s.writeJSON(w, http.StatusCreated, m)
}

// Runs one cycle immediately.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Running() {
		s.writeError(w, http.StatusConflict, "engine is not running")
		return
	}
	// A client hanging up must not abandon claimed tasks half way
	tasks, messages := s.engine.Poll(context.WithoutCancel(r.Context()))
	s.writeJSON(w, http.StatusOK, pollResponse{
		Tasks:    len(tasks),
		Messages: len(messages),
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
