package conflict

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// hunk replaces base lines [start, end) with lines. start == end is an insertion.
type hunk struct {
	start, end int
	lines      []string
	winner     bool
}

func (h hunk) insertion() bool { return h.start == h.end }

func (h hunk) same(o hunk) bool {
	if h.start != o.start || h.end != o.end || len(h.lines) != len(o.lines) {
		return false
	}
	for i := range h.lines {
		if h.lines[i] != o.lines[i] {
			return false
		}
	}
	return true
}

type relation int

const (
	disjoint relation = iota
	touching
	overlapping
)

func relate(a, b hunk) relation {
	switch {
	case a.insertion() && b.insertion():
		if a.start == b.start {
			return touching
		}
		return disjoint
	case a.insertion():
		return pointVsRange(a.start, b)
	case b.insertion():
		return pointVsRange(b.start, a)
	case a.start < b.end && b.start < a.end:
		return overlapping
	case a.end == b.start || b.end == a.start:
		return touching
	}
	return disjoint
}

func pointVsRange(p int, r hunk) relation {
	switch {
	case r.start < p && p < r.end:
		return overlapping
	case p == r.start || p == r.end:
		return touching
	}
	return disjoint
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// lineHunks returns the line edits that turn base into changed.
func lineHunks(dmp *diffmatchpatch.DiffMatchPatch, base, changed string) []hunk {
	a, b, lines := dmp.DiffLinesToChars(base, changed)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []hunk
	var cur *hunk
	pos := 0
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, d := range diffs {
		ls := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += len(ls)
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &hunk{start: pos, end: pos}
			}
			pos += len(ls)
			cur.end = pos
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{start: pos, end: pos}
			}
			cur.lines = append(cur.lines, ls...)
		}
	}
	flush()
	return out
}

// TextMerge is the result of a line-region three-way merge.
type TextMerge struct {
	Text string
	// Boundaries lists 1-based base line positions where both sides edited
	// adjacent regions. Both edits are kept and the winning side comes first.
	Boundaries []int
	// Overlaps lists 1-based base lines edited differently by both sides.
	Overlaps []int
}

func (m TextMerge) Clean() bool { return len(m.Overlaps) == 0 }

// MergeText merges local and remote edits of base by line region. localWins
// decides which side owns a shared boundary.
func MergeText(base, local, remote string, localWins bool) TextMerge {
	if local == remote {
		return TextMerge{Text: local}
	}
	if local == base {
		return TextMerge{Text: remote}
	}
	if remote == base {
		return TextMerge{Text: local}
	}
	// Clearing the text while the other side edits it cannot be merged.
	if local == "" || remote == "" {
		return TextMerge{Overlaps: []int{1}}
	}

	dmp := diffmatchpatch.New()
	lh := lineHunks(dmp, base, local)
	rh := lineHunks(dmp, base, remote)
	for i := range lh {
		lh[i].winner = localWins
	}
	for i := range rh {
		rh[i].winner = !localWins
	}

	var res TextMerge
	all := make([]hunk, 0, len(lh)+len(rh))
	all = append(all, lh...)
	for _, r := range rh {
		dup := false
		for _, l := range lh {
			if l.same(r) {
				dup = true
				continue
			}
			switch relate(l, r) {
			case overlapping:
				res.Overlaps = append(res.Overlaps, maxInt(l.start, r.start)+1)
			case touching:
				res.Boundaries = append(res.Boundaries, boundary(l, r)+1)
			}
		}
		if !dup {
			all = append(all, r)
		}
	}
	if len(res.Overlaps) > 0 {
		return res
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		if all[i].winner != all[j].winner {
			return all[i].winner
		}
		return all[i].insertion() && !all[j].insertion()
	})

	baseLines := splitLines(base)
	var b strings.Builder
	cursor := 0
	for _, h := range all {
		if h.start > cursor {
			b.WriteString(strings.Join(baseLines[cursor:h.start], ""))
			cursor = h.start
		}
		b.WriteString(strings.Join(h.lines, ""))
		if h.end > cursor {
			cursor = h.end
		}
	}
	if cursor < len(baseLines) {
		b.WriteString(strings.Join(baseLines[cursor:], ""))
	}
	res.Text = b.String()
	return res
}

func boundary(a, b hunk) int {
	switch {
	case a.insertion():
		return a.start
	case b.insertion():
		return b.start
	case a.end == b.start:
		return a.end
	}
	return b.end
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
