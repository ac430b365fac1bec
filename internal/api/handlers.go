package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/queue"
)

const maxBodyBytes = 64 << 10

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.changes.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to count change requests", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}

	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Counts:        out,
		EventsDropped: s.events.Dropped(),
	})
}

// handleSubmit handles POST /changes.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	id, duplicate, err := s.changes.Submit(r.Context(), queue.SubmitRequest{
		ResourceID: strings.TrimSpace(req.ResourceID),
		ChangeType: queue.ChangeType(strings.ToUpper(strings.TrimSpace(req.ChangeType))),
		Value:      req.Value,
		Reasoning:  req.Reasoning,
		Source:     strings.TrimSpace(req.Source),
		Priority:   req.Priority,
		Credential: req.Credential,
		Actor:      actorFor(r),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	} else {
		s.logger.Info("change request submitted via API", "change_id", id, "resource_id", req.ResourceID)
	}
	w.Header().Set("Location", "/changes/"+id)
	respondJSON(w, status, SubmitResponse{ID: id, Duplicate: duplicate})
}

// handleList handles GET /changes?status=&resource_id=&limit=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{
		Status:     queue.Status(strings.ToLower(q.Get("status"))),
		ResourceID: q.Get("resource_id"),
	}
	if f.Status != "" && !knownStatus(f.Status) {
		s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	changes, err := s.changes.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if changes == nil {
		changes = []queue.ChangeRequest{}
	}
	respondJSON(w, http.StatusOK, ChangeListResponse{Changes: changes})
}

// handleGet handles GET /changes/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cr, err := s.changes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cr)
}

// handleCancel handles POST /changes/{id}/cancel. A claimed request answers
// 202: the cancellation is recorded and honoured by its worker if the external
// call has not started.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cr, err := s.changes.Cancel(r.Context(), chi.URLParam(r, "id"), actorFor(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if cr.Status == queue.StatusClaimed {
		status = http.StatusAccepted
	}
	respondJSON(w, status, cr)
}

// handleHistory handles GET /changes/{id}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.changes.History(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := HistoryResponse{ChangeID: id, Verified: true, Records: records}
	if resp.Records == nil {
		resp.Records = []audit.Record{}
	}
	if err := audit.VerifyChain(records); err != nil {
		resp.Verified = false
		resp.Problem = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// writeServiceError maps engine errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr     *queue.ValidationError
		dup      *queue.DuplicateRequestError
		conflict *queue.ResourceConflictError
	)
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &dup):
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: dup.Error(), ExistingID: dup.ExistingID})
	case errors.As(err, &conflict):
		s.writeError(w, http.StatusConflict, conflict.Error())
	case errors.Is(err, queue.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func knownStatus(st queue.Status) bool {
	switch st {
	case queue.StatusPending, queue.StatusClaimed, queue.StatusApplied,
		queue.StatusFailedRetryable, queue.StatusFailedTerminal, queue.StatusCancelled:
		return true
	}
	return false
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
