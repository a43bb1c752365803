package domain

// EntityRef is what a reader gets back when looking an entity up.
// Exactly one of Active, Deleted or AccessRevoked.
type EntityRef interface {
	entityRef()
	EntityID() string
}

type Active struct {
	Entity Entity
}

type Deleted struct {
	Tombstone Tombstone
}

// AccessRevoked is returned when the reader lost access to the owning collection.
type AccessRevoked struct {
	ID           string
	CollectionID string
}

func (Active) entityRef()        {}
func (Deleted) entityRef()       {}
func (AccessRevoked) entityRef() {}

func (r Active) EntityID() string        { return r.Entity.ID }
func (r Deleted) EntityID() string       { return r.Tombstone.ID }
func (r AccessRevoked) EntityID() string { return r.ID }
