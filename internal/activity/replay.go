package activity

import (
	"time"

	"sync-service/internal/permission"
)

// ReplayPermission rebuilds a member's level from the feed. ok is false when
// the events leave the user outside the collection.
func ReplayPermission(events []Event, userID string) (level permission.Level, ok bool) {
	for _, ev := range events {
		switch ev.Kind {
		case CollectionCreated:
			if ev.Actor == userID {
				level, ok = permission.Owner, true
			}
		case MemberInvited, PermissionChanged:
			if ev.Subject == userID {
				level, ok = ev.To, true
			}
		case OwnershipTransferred:
			if ev.Subject == userID {
				level, ok = permission.Owner, true
			} else if ev.Actor == userID {
				level, ok = permission.Admin, true
			}
		case MemberRemoved, MemberLeft, MemberDeclined:
			if ev.Subject == userID {
				level, ok = 0, false
			}
		}
	}
	return level, ok
}

type Summary struct {
	Total   int            `json:"total"`
	ByKind  map[Kind]int   `json:"byKind"`
	ByActor map[string]int `json:"byActor"`
	Since   time.Time      `json:"since,omitempty"`
}

// Summarize aggregates the retained events of a collection.
func (f *Feed) Summarize(collectionID string) Summary {
	events := f.All(collectionID)
	s := Summary{
		Total:   len(events),
		ByKind:  make(map[Kind]int),
		ByActor: make(map[string]int),
	}
	if len(events) > 0 {
		s.Since = events[0].At
	}
	for _, ev := range events {
		s.ByKind[ev.Kind]++
		if ev.Actor != "" {
			s.ByActor[ev.Actor]++
		}
	}
	return s
}

func levelOrZero(v int) permission.Level {
	lvl := permission.Level(v)
	if !lvl.Valid() {
		return 0
	}
	return lvl
}
