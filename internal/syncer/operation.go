package syncer

import (
	"time"

	"sync-service/internal/conflict"
	"sync-service/internal/domain"
)

type Status string

const (
	Pending    Status = "pending"
	InFlight   Status = "in_flight"
	Succeeded  Status = "succeeded"
	Failed     Status = "failed"
	Conflicted Status = "conflicted"
)

// Operation is a local mutation waiting to reach the remote store.
type Operation struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collectionId"`
	EntityID     string         `json:"entityId"`
	Kind         domain.OpKind  `json:"kind"`
	Basis        int64          `json:"basis"`
	Base         domain.Payload `json:"base,omitempty"`
	Changes      domain.Payload `json:"changes,omitempty"`
	Editor       string         `json:"editor"`
	SubmittedAt  time.Time      `json:"submittedAt"`

	Attempts      int                  `json:"attempts"`
	Status        Status               `json:"status"`
	Terminal      bool                 `json:"terminal,omitempty"`
	NextAttemptAt time.Time            `json:"nextAttemptAt,omitempty"`
	LastError     string               `json:"lastError,omitempty"`
	Message       string               `json:"message,omitempty"`
	Conflict      *conflict.Descriptor `json:"conflict,omitempty"`
	Revision      int64                `json:"revision,omitempty"`

	// Forced ops were settled by a user choice or a restore: if the remote
	// is still at Basis they are written without another detection pass.
	Forced bool `json:"forced,omitempty"`

	err error
}

// Err is the last failure, if any.
func (o Operation) Err() error { return o.err }

// Target is the payload the operation produces.
func (o Operation) Target() domain.Payload {
	return o.Base.Apply(o.Changes)
}

func (o *Operation) local() conflict.Local {
	return conflict.Local{
		OperationID: o.ID,
		EntityID:    o.EntityID,
		Kind:        o.Kind,
		Basis:       o.Basis,
		Base:        o.Base,
		Changes:     o.Changes,
		Editor:      o.Editor,
		SubmittedAt: o.SubmittedAt,
	}
}

func (o *Operation) snapshot() Operation {
	c := *o
	c.Base = o.Base.Clone()
	c.Changes = o.Changes.Clone()
	if o.Conflict != nil {
		d := *o.Conflict
		c.Conflict = &d
	}
	return c
}

// due reports whether the operation may be dispatched at now.
func (o *Operation) due(now time.Time) bool {
	switch o.Status {
	case Pending:
		return true
	case Failed:
		return !o.Terminal && !now.Before(o.NextAttemptAt)
	}
	return false
}

// Result is handed to observers whenever an operation settles or conflicts.
type Result struct {
	Op          Operation
	Outcome     conflict.Outcome
	Ambiguities []conflict.Ambiguity
	Overridden  []string
	Resolution  conflict.Strategy
}
