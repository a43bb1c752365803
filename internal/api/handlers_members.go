package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"sync-service/internal/permission"
)

type inviteRequest struct {
	UserID      string           `json:"userId"`
	DisplayName string           `json:"displayName"`
	Level       permission.Level `json:"level"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body inviteRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Level == 0 {
		body.Level = permission.Viewer
	}
	m, err := s.members.Invite(r.Context(), scoped(r), body.UserID, body.DisplayName, body.Level)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	sess := scoped(r)
	m, err := s.members.AcceptInvite(r.Context(), sess.CollectionID, sess.UserID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	sess := scoped(r)
	if err := s.members.DeclineInvite(r.Context(), sess.CollectionID, sess.UserID); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type levelRequest struct {
	Level permission.Level `json:"level"`
}

func (s *Server) handleChangePermission(w http.ResponseWriter, r *http.Request) {
	var body levelRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	m, err := s.members.ChangePermission(r.Context(), scoped(r), chi.URLParam(r, "userId"), body.Level)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type ownerRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var body ownerRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.members.TransferOwnership(r.Context(), scoped(r), body.UserID); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.members.Remove(r.Context(), scoped(r), chi.URLParam(r, "userId")); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.members.Leave(r.Context(), scoped(r)); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
