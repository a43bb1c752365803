package lock

import (
	"context"
	"time"
)

// Lock is an advisory, time-boxed claim on one entity.
type Lock struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collectionId"`
	EntityID     string    `json:"entityId"`
	HolderID     string    `json:"holderId"`
	HolderName   string    `json:"holderName"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (l Lock) Holder() string {
	if l.HolderName != "" {
		return l.HolderName
	}
	return l.HolderID
}

// Store holds locks with atomic check-and-set semantics. Expired locks are
// invisible to every method except ByID, which reports them as expired.
type Store interface {
	// Acquire claims want.EntityID for want.HolderID. If another holder has a
	// live lock it is returned with ok false. If the same holder already has
	// one it is extended and returned with ok true.
	Acquire(ctx context.Context, want Lock, ttl time.Duration) (held Lock, ok bool, err error)
	// Renew extends lockID for holderID until expiresAt.
	Renew(ctx context.Context, lockID, holderID string, expiresAt time.Time, ttl time.Duration) (Lock, error)
	Release(ctx context.Context, lockID string) error
	ByID(ctx context.Context, lockID string) (Lock, error)
	ForEntity(ctx context.Context, entityID string) (Lock, bool, error)
	List(ctx context.Context, collectionID string) ([]Lock, error)
}
