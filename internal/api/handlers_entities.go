package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sync-service/internal/collab"
	"sync-service/internal/domain"
	"sync-service/internal/lock"
	"sync-service/internal/presence"
)

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	refs, err := s.svc.Entities(r.Context(), scoped(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(refs))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ref, err := s.svc.Entity(r.Context(), scoped(r), chi.URLParam(r, "entityId"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	view := viewOf(ref)
	if view.CollectionID != chi.URLParam(r, "id") {
		writeServiceError(w, s.logger, domain.ErrEntityNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createEntityRequest struct {
	Payload domain.Payload `json:"payload"`
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var body createEntityRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.svc.CreateEntity(r.Context(), scoped(r), body.Payload)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleEditEntity(w http.ResponseWriter, r *http.Request) {
	var edit collab.Edit
	if !decodeJSON(w, r, &edit) {
		return
	}
	edit.EntityID = chi.URLParam(r, "entityId")
	res, err := s.svc.SubmitEdit(r.Context(), scoped(r), edit)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.DeleteEntity(r.Context(), scoped(r), chi.URLParam(r, "entityId"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleRestoreEntity(w http.ResponseWriter, r *http.Request) {
	op, err := s.svc.RestoreEntity(r.Context(), scoped(r), chi.URLParam(r, "entityId"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

type presenceRequest struct {
	State presence.State `json:"state"`
}

type openedView struct {
	Entity   entityView        `json:"entity"`
	Presence []presence.Record `json:"presence"`
	Lock     *lock.Lock        `json:"lock,omitempty"`
}

func (s *Server) handleOpenEntity(w http.ResponseWriter, r *http.Request) {
	var body presenceRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.State == presence.Absent {
		body.State = presence.Viewing
	}
	opened, err := s.svc.OpenEntity(r.Context(), scoped(r), chi.URLParam(r, "entityId"), body.State)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, openedView{
		Entity:   viewOf(opened.Entity),
		Presence: opened.Presence,
		Lock:     opened.Lock,
	})
}

func (s *Server) handleCloseEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CloseEntity(r.Context(), scoped(r), chi.URLParam(r, "entityId")); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	At     *time.Time       `json:"at"`
	Cursor *presence.Cursor `json:"cursor"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	at := time.Now().UTC()
	if body.At != nil {
		at = *body.At
	}
	rec, err := s.svc.Heartbeat(r.Context(), scoped(r), chi.URLParam(r, "entityId"), at, body.Cursor)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	var body presenceRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	rec, err := s.svc.SetPresence(r.Context(), scoped(r), chi.URLParam(r, "entityId"), body.State)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.AcquireLock(r.Context(), scoped(r), chi.URLParam(r, "entityId"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleRenewLock(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.RenewLock(r.Context(), scoped(r), chi.URLParam(r, "lockId"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ReleaseLock(r.Context(), scoped(r), chi.URLParam(r, "lockId")); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
