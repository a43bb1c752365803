package api

import (
	"net/http"
	"sort"

	"sync-service/internal/domain"
	"sync-service/internal/membership"
	"sync-service/internal/permission"
)

type createCollectionRequest struct {
	Name     string           `json:"name"`
	Privacy  domain.Privacy   `json:"privacy"`
	Settings *domain.Settings `json:"settings"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var body createCollectionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	settings := domain.DefaultSettings()
	if body.Settings != nil {
		settings = *body.Settings
	}
	coll, err := s.members.CreateCollection(r.Context(), sessionFrom(r), body.Name, body.Privacy, settings)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	s.sync.Track(coll.ID)
	writeJSON(w, http.StatusCreated, coll)
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	colls := s.members.CollectionsFor(sessionFrom(r).UserID)
	sort.Slice(colls, func(i, j int) bool {
		return colls[i].CreatedAt.Before(colls[j].CreatedAt)
	})
	if colls == nil {
		colls = []domain.SharedCollection{}
	}
	writeJSON(w, http.StatusOK, colls)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invites := s.members.Invitations(sessionFrom(r).UserID)
	if invites == nil {
		invites = []domain.Member{}
	}
	writeJSON(w, http.StatusOK, invites)
}

// handleGetCollection returns the collection's status snapshot.
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(r.Context(), scoped(r))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePatchCollection(w http.ResponseWriter, r *http.Request) {
	var patch membership.CollectionPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	coll, err := s.members.UpdateCollection(r.Context(), scoped(r), patch)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, coll)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.members.DeleteCollection(r.Context(), scoped(r)); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Activity(r.Context(), scoped(r), queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type commentRequest struct {
	EntityID string `json:"entityId"`
	Text     string `json:"text"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body commentRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	ev, err := s.svc.AddComment(r.Context(), scoped(r), body.EntityID, body.Text)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	sess := scoped(r)
	if err := s.members.Authorize(sess.CollectionID, sess.UserID, permission.View); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	members, err := s.members.Members(sess.CollectionID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}
