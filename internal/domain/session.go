package domain

import "strings"

// Session carries the acting identity and collection scope through every operation.
type Session struct {
	UserID       string
	DisplayName  string
	CollectionID string
	DeviceID     string
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return Invalid("missing user identity")
	}
	return nil
}

// In returns a copy of the session scoped to collectionID.
func (s Session) In(collectionID string) Session {
	s.CollectionID = collectionID
	return s
}

func (s Session) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.UserID
}
