package conflict

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"sync-service/internal/domain"
)

type Strategy string

const (
	KeepLocal   Strategy = "keep-local"
	KeepRemote  Strategy = "keep-remote"
	ManualMerge Strategy = "manual-merge"
)

func (s Strategy) Valid() bool {
	return s == KeepLocal || s == KeepRemote || s == ManualMerge
}

// Policy decides what happens to overlapping edits.
type Policy string

const (
	// PolicyManual surfaces a Descriptor and waits for a choice.
	PolicyManual Policy = "manual"
	// PolicyLastWriterWins resolves overlaps in favour of the later edit.
	PolicyLastWriterWins Policy = "last-writer-wins"
)

func ParsePolicy(v string) (Policy, error) {
	switch Policy(v) {
	case PolicyManual, "":
		return PolicyManual, nil
	case PolicyLastWriterWins:
		return PolicyLastWriterWins, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", v)
}

// Local is the pending side of a detection: an operation prepared against Basis.
type Local struct {
	OperationID string
	EntityID    string
	Kind        domain.OpKind
	Basis       int64
	Base        domain.Payload
	Changes     domain.Payload
	Editor      string
	SubmittedAt time.Time
}

// Target is the payload the operation wants to produce.
func (l Local) Target() domain.Payload {
	return l.Base.Apply(l.Changes)
}

// Remote is the authoritative record as last fetched.
type Remote struct {
	Exists     bool
	Deleted    bool
	Payload    domain.Payload
	Revision   int64
	Editor     string
	AcceptedAt time.Time
	LastOpID   string
}

type Outcome int

const (
	// FastForward pushes the local target over an unchanged remote.
	FastForward Outcome = iota
	// Merged pushes a payload combining both sides.
	Merged
	// AlreadyApplied means the remote already reflects the operation.
	AlreadyApplied
	// Conflicted means the edits overlap and need a resolution.
	Conflicted
)

func (o Outcome) String() string {
	switch o {
	case FastForward:
		return "fast-forward"
	case Merged:
		return "merged"
	case AlreadyApplied:
		return "already-applied"
	case Conflicted:
		return "conflicted"
	}
	return "unknown"
}

// Ambiguity records an auto-merge decision worth auditing.
type Ambiguity struct {
	Field  string `json:"field"`
	Line   int    `json:"line,omitempty"`
	Winner string `json:"winner"`
	Detail string `json:"detail"`
}

// Descriptor describes overlapping edits for the user to resolve.
type Descriptor struct {
	EntityID       string         `json:"entityId"`
	OperationID    string         `json:"operationId"`
	Basis          int64          `json:"basis"`
	RemoteRevision int64          `json:"remoteRevision"`
	Base           domain.Payload `json:"base"`
	Local          domain.Payload `json:"local"`
	Remote         domain.Payload `json:"remote"`
	Merged         domain.Payload `json:"merged"`
	LocalDeleted   bool           `json:"localDeleted,omitempty"`
	RemoteDeleted  bool           `json:"remoteDeleted,omitempty"`
	LocalEditor    string         `json:"localEditor"`
	RemoteEditor   string         `json:"remoteEditor"`
	Fields         []string       `json:"fields"`
	Lines          []int          `json:"lines,omitempty"`
	Suggested      Strategy       `json:"suggested"`
	DetectedAt     time.Time      `json:"detectedAt"`
}

// Decision is the engine's verdict for one operation.
type Decision struct {
	Outcome     Outcome
	Payload     domain.Payload
	Delete      bool
	Ambiguities []Ambiguity
	// Overridden lists fields settled by last-writer-wins.
	Overridden []string
	Conflict   *Descriptor
}

// Resolution is the write a resolution choice produces.
type Resolution struct {
	Strategy Strategy
	Payload  domain.Payload
	Delete   bool
	// Noop means the remote state is kept and nothing is written.
	Noop bool
}

type Engine struct {
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(policy Policy, logger *zap.Logger, now func() time.Time) *Engine {
	if policy == "" {
		policy = PolicyManual
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{policy: policy, logger: logger, now: now}
}

func (e *Engine) Policy() Policy { return e.policy }

// Detect compares a pending operation with the remote record.
func (e *Engine) Detect(l Local, r Remote) Decision {
	if r.LastOpID != "" && r.LastOpID == l.OperationID {
		return Decision{Outcome: AlreadyApplied}
	}
	if l.Kind == domain.OpCreate && !r.Exists {
		return Decision{Outcome: FastForward, Payload: l.Target()}
	}

	remoteGone := !r.Exists || r.Deleted
	if r.Exists && r.Revision == l.Basis && !r.Deleted {
		if l.Kind == domain.OpDelete {
			return Decision{Outcome: FastForward, Delete: true}
		}
		return Decision{Outcome: FastForward, Payload: l.Target()}
	}

	switch {
	case remoteGone && l.Kind == domain.OpDelete:
		return Decision{Outcome: AlreadyApplied}
	case remoteGone:
		return e.conflicted(l, r, nil, nil, nil)
	case l.Kind == domain.OpDelete:
		return e.conflicted(l, r, nil, nil, nil)
	}
	return e.mergeFields(l, r)
}

func (e *Engine) mergeFields(l Local, r Remote) Decision {
	target := l.Target()
	remoteChanged := make(map[string]bool)
	for _, f := range domain.ChangedFields(l.Base, r.Payload) {
		remoteChanged[f] = true
	}
	localWins := l.SubmittedAt.After(r.AcceptedAt)
	winner := r.Editor
	if localWins {
		winner = l.Editor
	}

	merged := r.Payload.Clone()
	var conflicts []string
	var lines []int
	var amb []Ambiguity
	for _, f := range domain.ChangedFields(l.Base, target) {
		switch {
		case !remoteChanged[f]:
			setField(merged, f, target[f])
		case target[f] == r.Payload[f]:
		case f == domain.FieldContent:
			tm := MergeText(l.Base[f], target[f], r.Payload[f], localWins)
			if !tm.Clean() {
				conflicts = append(conflicts, f)
				lines = append(lines, tm.Overlaps...)
				continue
			}
			setField(merged, f, tm.Text)
			for _, line := range tm.Boundaries {
				amb = append(amb, Ambiguity{
					Field:  f,
					Line:   line,
					Winner: winner,
					Detail: fmt.Sprintf("edits meet at line %d; %s's edit placed first", line, winner),
				})
			}
		default:
			conflicts = append(conflicts, f)
		}
	}

	if len(conflicts) > 0 {
		return e.conflicted(l, r, merged, conflicts, lines)
	}
	for _, a := range amb {
		e.logger.Info("conflict: ambiguous merge boundary",
			zap.String("entity", l.EntityID), zap.String("field", a.Field),
			zap.Int("line", a.Line), zap.String("winner", a.Winner))
	}
	if merged.Equal(r.Payload) {
		return Decision{Outcome: AlreadyApplied, Ambiguities: amb}
	}
	return Decision{Outcome: Merged, Payload: merged, Ambiguities: amb}
}

func (e *Engine) conflicted(l Local, r Remote, merged domain.Payload, fields []string, lines []int) Decision {
	if merged == nil {
		merged = r.Payload.Clone()
	}
	sort.Strings(fields)
	d := &Descriptor{
		EntityID:       l.EntityID,
		OperationID:    l.OperationID,
		Basis:          l.Basis,
		RemoteRevision: r.Revision,
		Base:           l.Base.Clone(),
		Local:          l.Target(),
		Remote:         r.Payload.Clone(),
		Merged:         merged,
		LocalDeleted:   l.Kind == domain.OpDelete,
		RemoteDeleted:  !r.Exists || r.Deleted,
		LocalEditor:    l.Editor,
		RemoteEditor:   r.Editor,
		Fields:         fields,
		Lines:          lines,
		DetectedAt:     e.now().UTC(),
	}
	if d.LocalDeleted {
		d.Local = nil
	}
	d.Suggested = suggest(d, l.SubmittedAt.After(r.AcceptedAt))

	if e.policy != PolicyLastWriterWins {
		return Decision{Outcome: Conflicted, Conflict: d}
	}

	choice := KeepRemote
	if l.SubmittedAt.After(r.AcceptedAt) {
		choice = KeepLocal
	}
	res, err := e.Resolve(*d, choice, nil)
	if err != nil {
		return Decision{Outcome: Conflicted, Conflict: d}
	}
	e.logger.Info("conflict: resolved by last writer",
		zap.String("entity", l.EntityID), zap.String("choice", string(choice)), zap.Strings("fields", fields))
	if res.Noop {
		return Decision{Outcome: AlreadyApplied, Overridden: fields}
	}
	return Decision{Outcome: Merged, Payload: res.Payload, Delete: res.Delete, Overridden: fields}
}

// suggest picks the default offer for a descriptor: the survivor of a
// delete, a manual merge for overlapping content, otherwise the later edit.
func suggest(d *Descriptor, localLater bool) Strategy {
	switch {
	case d.RemoteDeleted || d.LocalDeleted:
		return KeepRemote
	case len(d.Lines) > 0:
		return ManualMerge
	case localLater:
		return KeepLocal
	}
	return KeepRemote
}

// Resolve turns a choice into the write that settles the descriptor. A
// manual merge requires the merged payload.
func (e *Engine) Resolve(d Descriptor, choice Strategy, manual domain.Payload) (Resolution, error) {
	switch choice {
	case KeepRemote:
		return Resolution{Strategy: choice, Payload: d.Remote.Clone(), Delete: d.RemoteDeleted, Noop: true}, nil
	case KeepLocal:
		if d.LocalDeleted {
			if d.RemoteDeleted {
				return Resolution{Strategy: choice, Delete: true, Noop: true}, nil
			}
			return Resolution{Strategy: choice, Delete: true}, nil
		}
		out := d.Merged.Clone()
		if d.RemoteDeleted {
			out = d.Local.Clone()
		}
		for _, f := range d.Fields {
			setField(out, f, d.Local[f])
		}
		return Resolution{Strategy: choice, Payload: out}, nil
	case ManualMerge:
		if manual == nil {
			return Resolution{}, domain.Invalid("manual merge requires a payload")
		}
		return Resolution{Strategy: choice, Payload: manual.Clone()}, nil
	}
	return Resolution{}, domain.Invalid("unknown resolution %q", choice)
}

func setField(p domain.Payload, field, value string) {
	if value == "" {
		delete(p, field)
		return
	}
	p[field] = value
}
