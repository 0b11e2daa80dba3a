package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/service"
)

// userID extracts the authenticated caller from the X-User-ID header. The
// gateway in front of this service does the actual authentication.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// handleEnqueueRewrite handles POST /api/rewrites
func (s *Server) handleEnqueueRewrite(w http.ResponseWriter, r *http.Request) {
	caller := userID(r)
	if caller == "" {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header is required", nil)
		return
	}

	var req service.EnqueueTriggerRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body", nil)
		return
	}
	req.RequestedBy = caller

	entry, err := s.triggerService.EnqueueTrigger(r.Context(), &req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, entry)
}

// handleGetRewrite handles GET /api/rewrites/{sourceMessageId}
func (s *Server) handleGetRewrite(w http.ResponseWriter, r *http.Request) {
	caller := userID(r)
	if caller == "" {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header is required", nil)
		return
	}

	sourceMessageID := mux.Vars(r)["sourceMessageId"]

	status, err := s.triggerService.GetRewriteStatus(r.Context(), sourceMessageID, caller)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleCancelRewrite handles DELETE /api/rewrites/{sourceMessageId}
func (s *Server) handleCancelRewrite(w http.ResponseWriter, r *http.Request) {
	caller := userID(r)
	if caller == "" {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header is required", nil)
		return
	}

	sourceMessageID := mux.Vars(r)["sourceMessageId"]

	if err := s.triggerService.Cancel(r.Context(), sourceMessageID, caller); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"sourceMessageId": sourceMessageID,
		"status":          "canceled",
	})
}
