package permission

import (
	"fmt"
	"strings"
)

// Level ranks a member's access to a shared collection.
// The zero value is not a valid level.
type Level int

const (
	Viewer Level = iota + 1
	Editor
	Admin
	Owner
)

// Action is a capability checked against a Level.
type Action int

const (
	View Action = iota + 1
	Edit
	ManageMembers
	ManageSettings
	DeleteCollection
)

var levelNames = map[Level]string{
	Viewer: "viewer",
	Editor: "editor",
	Admin:  "admin",
	Owner:  "owner",
}

var actionNames = map[Action]string{
	View:             "view",
	Edit:             "edit",
	ManageMembers:    "manage_members",
	ManageSettings:   "manage_settings",
	DeleteCollection: "delete_collection",
}

var required = map[Action]Level{
	View:             Viewer,
	Edit:             Editor,
	ManageMembers:    Admin,
	ManageSettings:   Admin,
	DeleteCollection: Owner,
}

func (l Level) Valid() bool {
	return l >= Viewer && l <= Owner
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Required returns the minimum level that satisfies the action.
func Required(action Action) Level {
	lvl, ok := required[action]
	if !ok {
		panic("permission: unknown action " + action.String())
	}
	return lvl
}

// Allows reports whether level grants action. Unknown levels or actions
// are programming errors and panic.
func Allows(action Action, level Level) bool {
	if !level.Valid() {
		panic("permission: invalid level " + level.String())
	}
	return level >= Required(action)
}

// ParseLevel parses the wire form of a level ("viewer", "editor", ...).
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for lvl, name := range levelNames {
		if name == s {
			return lvl, nil
		}
	}
	return 0, fmt.Errorf("unknown permission level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid permission level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	lvl, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}
