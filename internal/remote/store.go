package remote

import (
	"context"
	"time"

	"sync-service/internal/domain"
	"sync-service/internal/permission"
)

// Record is the authoritative state of one entity.
type Record struct {
	EntityID     string         `json:"entityId"`
	CollectionID string         `json:"collectionId"`
	Payload      domain.Payload `json:"payload"`
	Revision     int64          `json:"revision"`
	Deleted      bool           `json:"deleted"`
	Editor       string         `json:"editor"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	LastOpID     string         `json:"lastOpId,omitempty"`
	Seq          int64          `json:"seq"`
	// Err is set when the stored payload failed its integrity check.
	Err error `json:"-"`
}

// Entity converts a live record to the domain form.
func (r Record) Entity() domain.Entity {
	return domain.Entity{
		ID:           r.EntityID,
		CollectionID: r.CollectionID,
		Payload:      r.Payload.Clone(),
		LastEditor:   r.Editor,
		ModifiedAt:   r.UpdatedAt,
		Revision:     r.Revision,
	}
}

func (r Record) Tombstone() domain.Tombstone {
	return domain.Tombstone{
		ID:           r.EntityID,
		CollectionID: r.CollectionID,
		DeletedBy:    r.Editor,
		DeletedAt:    r.UpdatedAt,
		Revision:     r.Revision,
	}
}

// PushRequest is a compare-and-set write. ExpectedRevision 0 creates.
type PushRequest struct {
	OperationID      string
	EntityID         string
	CollectionID     string
	ExpectedRevision int64
	Payload          domain.Payload
	Delete           bool
	Editor           string
}

type PushStatus int

const (
	Accepted PushStatus = iota + 1
	RevisionMismatch
)

func (s PushStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case RevisionMismatch:
		return "revision-mismatch"
	}
	return "unknown"
}

// PushResult is the per-request outcome of PushBatch. On Accepted Revision
// is the new revision; on RevisionMismatch it is the actual one.
type PushResult struct {
	EntityID    string
	OperationID string
	Status      PushStatus
	Revision    int64
	Record      Record
}

// Change announces that an entity moved to Revision at sequence Seq.
type Change struct {
	CollectionID string `json:"collectionId"`
	EntityID     string `json:"entityId"`
	Revision     int64  `json:"revision"`
	Seq          int64  `json:"seq"`
	Deleted      bool   `json:"deleted,omitempty"`
}

// Store is the remote authoritative store. Any error returned by a call is
// a transport failure and may be retried.
type Store interface {
	FetchMany(ctx context.Context, entityIDs []string) (map[string]Record, error)
	PushBatch(ctx context.Context, reqs []PushRequest) ([]PushResult, error)
	// Changes returns records of the collection with Seq > since, ascending.
	Changes(ctx context.Context, collectionID string, since int64, limit int) ([]Record, error)
	// Subscribe streams change notifications. Delivery is best effort;
	// callers must also pull.
	Subscribe(ctx context.Context, collectionID string) (<-chan Change, error)

	SaveCollection(ctx context.Context, c domain.SharedCollection) error
	DeleteCollection(ctx context.Context, collectionID string) error
	LoadCollections(ctx context.Context) ([]domain.SharedCollection, error)
	AddParticipant(ctx context.Context, m domain.Member) error
	RemoveParticipant(ctx context.Context, collectionID, userID string) error
	SetParticipantPermission(ctx context.Context, collectionID, userID string, level permission.Level) error
	ListParticipants(ctx context.Context, collectionID string) ([]domain.Member, error)
}

// Fetch reads a single record. ok is false when the entity never existed.
func Fetch(ctx context.Context, s Store, entityID string) (Record, bool, error) {
	recs, err := s.FetchMany(ctx, []string{entityID})
	if err != nil {
		return Record{}, false, err
	}
	r, ok := recs[entityID]
	return r, ok, nil
}

// Push writes a single request.
func Push(ctx context.Context, s Store, req PushRequest) (PushResult, error) {
	res, err := s.PushBatch(ctx, []PushRequest{req})
	if err != nil {
		return PushResult{}, err
	}
	return res[0], nil
}

func ChangesChannel(collectionID string) string {
	return "changes:" + collectionID
}
