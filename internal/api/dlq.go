package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// handleListDLQ returns dead-lettered envelopes, newest first.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	letters, err := s.dlq.ListDLQ(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dlq listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// handleRedrive re-enqueues one dead-lettered evaluation with a fresh
// attempt budget.
func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.dlq.Redrive(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "redrive failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "evaluation not found in dead-letter queue")
		return
	}
	s.logger.Printf("♻️  Redrove %s from the DLQ", id)
	writeJSON(w, http.StatusOK, map[string]string{"eval_id": id, "status": "requeued"})
}
