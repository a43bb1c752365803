package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllows(t *testing.T) {
	cases := []struct {
		action Action
		level  Level
		want   bool
	}{
		{View, Viewer, true},
		{Edit, Viewer, false},
		{Edit, Editor, true},
		{ManageMembers, Editor, false},
		{ManageMembers, Admin, true},
		{ManageSettings, Admin, true},
		{DeleteCollection, Admin, false},
		{DeleteCollection, Owner, true},
	}
	for _, tc := range cases {
		t.Run(tc.action.String()+"/"+tc.level.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, Allows(tc.action, tc.level))
		})
	}
}

func TestAllows_TotalOrder(t *testing.T) {
	assert.True(t, Viewer < Editor)
	assert.True(t, Editor < Admin)
	assert.True(t, Admin < Owner)

	// A higher level never loses a capability a lower level has.
	actions := []Action{View, Edit, ManageMembers, ManageSettings, DeleteCollection}
	levels := []Level{Viewer, Editor, Admin, Owner}
	for _, a := range actions {
		for i := 1; i < len(levels); i++ {
			if Allows(a, levels[i-1]) {
				assert.True(t, Allows(a, levels[i]), "%s lost %s", levels[i], a)
			}
		}
	}
}

func TestAllows_InvalidLevelPanics(t *testing.T) {
	assert.Panics(t, func() { Allows(View, Level(0)) })
	assert.Panics(t, func() { Allows(Action(42), Owner) })
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel(" Editor ")
	require.NoError(t, err)
	assert.Equal(t, Editor, lvl)

	_, err = ParseLevel("superuser")
	assert.Error(t, err)
}

func TestLevelJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Level{"level": Admin})
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"admin"}`, string(b))

	var out struct {
		Level Level `json:"level"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"level":"owner"}`), &out))
	assert.Equal(t, Owner, out.Level)
}
