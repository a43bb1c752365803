package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sync-service/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

// writeServiceError maps a domain error onto a status code and a
// user-facing message.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	class := domain.Classify(err)
	status := http.StatusInternalServerError
	switch class {
	case domain.ClassAuthorization:
		status = http.StatusForbidden
	case domain.ClassContention:
		status = http.StatusConflict
		var held *domain.LockHeldError
		if errors.As(err, &held) {
			status = http.StatusLocked
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(held.Wait)))
		}
	case domain.ClassTransient:
		status = http.StatusServiceUnavailable
	case domain.ClassData:
		status = http.StatusUnprocessableEntity
	case domain.ClassValidation:
		status = http.StatusBadRequest
	case domain.ClassNotFound:
		status = http.StatusNotFound
	default:
		logger.Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": domain.UserMessage(err),
		"class": class.String(),
	})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid json body")
	return false
}

// scoped returns the caller's session scoped to the {id} collection.
func scoped(r *http.Request) domain.Session {
	return sessionFrom(r).In(chi.URLParam(r, "id"))
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// entityView is the wire shape of a domain.EntityRef.
type entityView struct {
	State        string            `json:"state"`
	ID           string            `json:"id"`
	CollectionID string            `json:"collectionId,omitempty"`
	Entity       *domain.Entity    `json:"entity,omitempty"`
	Tombstone    *domain.Tombstone `json:"tombstone,omitempty"`
}

func viewOf(ref domain.EntityRef) entityView {
	switch r := ref.(type) {
	case domain.Active:
		e := r.Entity
		return entityView{State: "active", ID: e.ID, CollectionID: e.CollectionID, Entity: &e}
	case domain.Deleted:
		t := r.Tombstone
		return entityView{State: "deleted", ID: t.ID, CollectionID: t.CollectionID, Tombstone: &t}
	case domain.AccessRevoked:
		return entityView{State: "access_revoked", ID: r.ID, CollectionID: r.CollectionID}
	}
	return entityView{}
}

func viewsOf(refs []domain.EntityRef) []entityView {
	out := make([]entityView, 0, len(refs))
	for _, ref := range refs {
		out = append(out, viewOf(ref))
	}
	return out
}
