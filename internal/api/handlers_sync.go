package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"sync-service/internal/conflict"
	"sync-service/internal/domain"
	"sync-service/internal/permission"
	"sync-service/internal/syncer"
)

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	sess := scoped(r)
	if err := s.members.Authorize(sess.CollectionID, sess.UserID, permission.View); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	ops := s.sync.Operations(sess.CollectionID)
	if ops == nil {
		ops = []syncer.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	op, ok := s.sync.Operation(chi.URLParam(r, "opId"))
	if !ok {
		writeServiceError(w, s.logger, domain.ErrOperationNotFound)
		return
	}
	if err := s.members.Authorize(op.CollectionID, sess.UserID, permission.View); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type resolveRequest struct {
	Choice  conflict.Strategy `json:"choice"`
	Payload domain.Payload    `json:"payload,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	op, err := s.svc.ResolveConflict(r.Context(), sessionFrom(r), chi.URLParam(r, "opId"), body.Choice, body.Payload)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.AcknowledgeFailure(r.Context(), sessionFrom(r), chi.URLParam(r, "opId")); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health(r))
}

func (s *Server) health(r *http.Request) syncer.Health {
	h := s.svc.Health()
	if !isOperator(r) {
		h = h.Redacted()
	}
	return h
}

type offlineRequest struct {
	Offline bool `json:"offline"`
}

// handleSetOffline pauses or resumes the engine for every collection, so
// only operators may call it.
func (s *Server) handleSetOffline(w http.ResponseWriter, r *http.Request) {
	if !isOperator(r) {
		writeServiceError(w, s.logger, domain.ErrNotAuthorized)
		return
	}
	var body offlineRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	s.sync.SetOffline(body.Offline)
	writeJSON(w, http.StatusOK, s.health(r))
}
