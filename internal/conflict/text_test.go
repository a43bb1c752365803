package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const verse = "line one\nline two\nline three\nline four\n"

func TestMergeText_TrivialCases(t *testing.T) {
	assert.Equal(t, "x\n", MergeText(verse, "x\n", "x\n", true).Text)
	assert.Equal(t, "x\n", MergeText(verse, verse, "x\n", true).Text)
	assert.Equal(t, "x\n", MergeText(verse, "x\n", verse, false).Text)
}

func TestMergeText_DisjointRegions(t *testing.T) {
	local := "line ONE\nline two\nline three\nline four\n"
	remote := "line one\nline two\nline three\nline FOUR\n"

	m := MergeText(verse, local, remote, true)
	assert.True(t, m.Clean())
	assert.Empty(t, m.Boundaries)
	assert.Equal(t, "line ONE\nline two\nline three\nline FOUR\n", m.Text)
}

func TestMergeText_AdjacentRegionsAreAmbiguous(t *testing.T) {
	local := "line one\nline TWO\nline three\nline four\n"
	remote := "line one\nline two\nline THREE\nline four\n"

	m := MergeText(verse, local, remote, false)
	assert.True(t, m.Clean())
	assert.Equal(t, []int{3}, m.Boundaries)
	assert.Equal(t, "line one\nline TWO\nline THREE\nline four\n", m.Text)
}

func TestMergeText_InsertionsAtSamePointKeepBoth(t *testing.T) {
	local := "line one\nline two\nlocal chorus\nline three\nline four\n"
	remote := "line one\nline two\nremote bridge\nline three\nline four\n"

	m := MergeText(verse, local, remote, false)
	assert.True(t, m.Clean())
	assert.Equal(t, []int{3}, m.Boundaries)
	assert.Equal(t, "line one\nline two\nremote bridge\nlocal chorus\nline three\nline four\n", m.Text)

	m = MergeText(verse, local, remote, true)
	assert.Equal(t, "line one\nline two\nlocal chorus\nremote bridge\nline three\nline four\n", m.Text)
}

func TestMergeText_OverlapIsReported(t *testing.T) {
	local := "line one\nline 2\nline three\nline four\n"
	remote := "line one\nline deux\nline three\nline four\n"

	m := MergeText(verse, local, remote, true)
	assert.False(t, m.Clean())
	assert.Equal(t, []int{2}, m.Overlaps)
}

func TestMergeText_SameEditOnBothSides(t *testing.T) {
	both := "line one\nline two\nline 3\nline four\n"
	local := "line zero\n" + both

	m := MergeText(verse, local, both, true)
	assert.True(t, m.Clean())
	assert.Equal(t, local, m.Text)
}

func TestMergeText_ClearingAgainstAnEditConflicts(t *testing.T) {
	appended := verse + "line five\n"

	m := MergeText(verse, "", appended, true)
	assert.False(t, m.Clean())
	assert.Equal(t, []int{1}, m.Overlaps)

	m = MergeText(verse, appended, "", false)
	assert.False(t, m.Clean())

	assert.Equal(t, "", MergeText(verse, "", verse, true).Text, "clearing an untouched text is clean")
}
