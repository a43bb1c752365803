package domain

import (
	"time"

	"sync-service/internal/permission"
)

type Privacy string

const (
	PrivacyPrivate         Privacy = "private"
	PrivacyInviteOnly      Privacy = "invite_only"
	PrivacyPublicRead      Privacy = "public_read"
	PrivacyPublicReadWrite Privacy = "public_read_write"
)

func (p Privacy) Valid() bool {
	switch p {
	case PrivacyPrivate, PrivacyInviteOnly, PrivacyPublicRead, PrivacyPublicReadWrite:
		return true
	}
	return false
}

// InvitePolicy decides who may invite new members.
type InvitePolicy string

const (
	InviteOwnerOnly InvitePolicy = "owner_only"
	InviteAdmins    InvitePolicy = "admins"
	InviteEditors   InvitePolicy = "editors"
)

func (p InvitePolicy) Valid() bool {
	switch p {
	case InviteOwnerOnly, InviteAdmins, InviteEditors:
		return true
	}
	return false
}

// MinLevel is the lowest level allowed to invite under the policy.
func (p InvitePolicy) MinLevel() permission.Level {
	switch p {
	case InviteOwnerOnly:
		return permission.Owner
	case InviteEditors:
		return permission.Editor
	default:
		return permission.Admin
	}
}

type Settings struct {
	MaxMembers    int          `json:"maxMembers"`
	InvitePolicy  InvitePolicy `json:"invitePolicy"`
	TrackActivity bool         `json:"trackActivity"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxMembers:    50,
		InvitePolicy:  InviteAdmins,
		TrackActivity: true,
	}
}

type Counters struct {
	Members  int `json:"members"`
	Entities int `json:"entities"`
	Edits    int `json:"edits"`
}

// SharedCollection is a named, owned container of chord charts shared among members.
type SharedCollection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Privacy   Privacy   `json:"privacy"`
	Settings  Settings  `json:"settings"`
	Counters  Counters  `json:"counters"`
	CreatedAt time.Time `json:"createdAt"`
}

type InviteStatus string

const (
	StatusPending  InviteStatus = "pending"
	StatusAccepted InviteStatus = "accepted"
	StatusDeclined InviteStatus = "declined"
)

// Member is a user's permissioned relationship to a SharedCollection.
type Member struct {
	CollectionID   string           `json:"collectionId"`
	UserID         string           `json:"userId"`
	DisplayName    string           `json:"displayName"`
	Level          permission.Level `json:"level"`
	Status         InviteStatus     `json:"status"`
	InvitedBy      string           `json:"invitedBy,omitempty"`
	InvitedAt      time.Time        `json:"invitedAt"`
	JoinedAt       *time.Time       `json:"joinedAt,omitempty"`
	LastSeenAt     *time.Time       `json:"lastSeenAt,omitempty"`
	EditsMade      int              `json:"editsMade"`
	EntitiesViewed int              `json:"entitiesViewed"`
}

// Active reports whether the member has accepted and may act on the collection.
func (m Member) Active() bool {
	return m.Status == StatusAccepted
}

// Entity is a shared chord chart. An empty CollectionID means a personal, unshared chart.
type Entity struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collectionId,omitempty"`
	Payload      Payload   `json:"payload"`
	LastEditor   string    `json:"lastEditor"`
	ModifiedAt   time.Time `json:"modifiedAt"`
	Revision     int64     `json:"revision"`
}

// Tombstone marks an entity deleted at Revision.
type Tombstone struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collectionId,omitempty"`
	DeletedBy    string    `json:"deletedBy"`
	DeletedAt    time.Time `json:"deletedAt"`
	Revision     int64     `json:"revision"`
}

// OpKind is the kind of a queued local mutation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}
