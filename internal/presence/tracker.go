package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sync-service/internal/domain"
	"sync-service/internal/notify"
)

type State int

const (
	Absent State = iota
	Viewing
	Editing
)

func (s State) String() string {
	switch s {
	case Viewing:
		return "viewing"
	case Editing:
		return "editing"
	default:
		return "absent"
	}
}

func ParseState(v string) (State, error) {
	switch v {
	case "viewing":
		return Viewing, nil
	case "editing":
		return Editing, nil
	case "absent", "":
		return Absent, nil
	}
	return Absent, domain.Invalid("unknown presence state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Cursor is a selection hint inside the chart's content.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Length int `json:"length,omitempty"`
}

// Record is the ephemeral state of one member on one entity.
type Record struct {
	CollectionID  string    `json:"collectionId"`
	EntityID      string    `json:"entityId"`
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	DeviceID      string    `json:"deviceId,omitempty"`
	State         State     `json:"state"`
	Cursor        *Cursor   `json:"cursor,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Expired reports whether the record is past the staleness window at now.
func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	return r.LastHeartbeat.Add(ttl).Before(now)
}

const DefaultTTL = 60 * time.Second

type Options struct {
	TTL    time.Duration
	Bus    *notify.Bus
	Logger *zap.Logger
	Now    func() time.Time
}

type key struct {
	entityID string
	userID   string
}

// Tracker holds presence records in memory. Expired records read as Absent
// whether or not they have been swept.
type Tracker struct {
	mu      sync.RWMutex
	records map[key]Record

	ttl      time.Duration
	bus      *notify.Bus
	logger   *zap.Logger
	now      func() time.Time
	onChange []func(Record)
}

func NewTracker(opts Options) *Tracker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		records: make(map[key]Record),
		ttl:     opts.TTL,
		bus:     opts.Bus,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

// OnChange registers fn to receive every local presence change. Used by the relay.
func (t *Tracker) OnChange(fn func(Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Open marks the session's user as viewing or editing entityID.
func (t *Tracker) Open(s domain.Session, entityID string, state State) (Record, error) {
	if err := s.Validate(); err != nil {
		return Record{}, err
	}
	if entityID == "" {
		return Record{}, domain.Invalid("entityId is required")
	}
	if state != Viewing && state != Editing {
		return Record{}, domain.Invalid("open requires viewing or editing, got %s", state)
	}
	rec := Record{
		CollectionID:  s.CollectionID,
		EntityID:      entityID,
		UserID:        s.UserID,
		DisplayName:   s.Name(),
		DeviceID:      s.DeviceID,
		State:         state,
		LastHeartbeat: t.now().UTC(),
	}
	t.mu.Lock()
	t.records[key{entityID, s.UserID}] = rec
	t.mu.Unlock()

	t.changed(rec)
	return rec, nil
}

// Heartbeat refreshes the record. Heartbeats are last-write-wins on at: an
// older or equal timestamp leaves the record as it is. A heartbeat for an
// absent or expired record reopens it as Viewing. A timestamp ahead of the
// tracker clock counts as now.
func (t *Tracker) Heartbeat(s domain.Session, entityID string, at time.Time, cursor *Cursor) (Record, error) {
	if err := s.Validate(); err != nil {
		return Record{}, err
	}
	if entityID == "" {
		return Record{}, domain.Invalid("entityId is required")
	}
	if now := t.now(); at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC()
	k := key{entityID, s.UserID}

	t.mu.Lock()
	rec, ok := t.records[k]
	if ok && !rec.Expired(t.now(), t.ttl) && !at.After(rec.LastHeartbeat) {
		t.mu.Unlock()
		return rec, nil
	}
	if !ok || rec.Expired(t.now(), t.ttl) {
		rec = Record{
			CollectionID: s.CollectionID,
			EntityID:     entityID,
			UserID:       s.UserID,
			DisplayName:  s.Name(),
			DeviceID:     s.DeviceID,
			State:        Viewing,
		}
	}
	rec.LastHeartbeat = at
	if cursor != nil {
		c := *cursor
		rec.Cursor = &c
	}
	t.records[k] = rec
	t.mu.Unlock()

	t.changed(rec)
	return rec, nil
}

// SetState moves between Viewing and Editing; Absent closes the record.
func (t *Tracker) SetState(s domain.Session, entityID string, state State) (Record, error) {
	if state == Absent {
		return Record{}, t.Close(s, entityID)
	}
	if err := s.Validate(); err != nil {
		return Record{}, err
	}
	k := key{entityID, s.UserID}

	t.mu.Lock()
	rec, ok := t.records[k]
	if !ok || rec.Expired(t.now(), t.ttl) {
		t.mu.Unlock()
		return t.Open(s, entityID, state)
	}
	rec.State = state
	rec.LastHeartbeat = t.now().UTC()
	t.records[k] = rec
	t.mu.Unlock()

	t.changed(rec)
	return rec, nil
}

// Close drops the record. Closing an absent record is a no-op.
func (t *Tracker) Close(s domain.Session, entityID string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	k := key{entityID, s.UserID}

	t.mu.Lock()
	rec, ok := t.records[k]
	delete(t.records, k)
	t.mu.Unlock()

	if ok {
		rec.State = Absent
		rec.LastHeartbeat = t.now().UTC()
		t.changed(rec)
	}
	return nil
}

// Apply merges a record received from another device, last-write-wins on
// the heartbeat timestamp. Applied records are not re-broadcast.
func (t *Tracker) Apply(rec Record) bool {
	k := key{rec.EntityID, rec.UserID}

	t.mu.Lock()
	cur, ok := t.records[k]
	if ok && !rec.LastHeartbeat.After(cur.LastHeartbeat) {
		t.mu.Unlock()
		return false
	}
	if rec.State == Absent {
		delete(t.records, k)
	} else {
		t.records[k] = rec
	}
	t.mu.Unlock()

	t.publish(rec)
	return true
}

// ForEntity returns live records on entityID ordered by user.
func (t *Tracker) ForEntity(entityID string) []Record {
	return t.filter(func(r Record) bool { return r.EntityID == entityID })
}

func (t *Tracker) ForCollection(collectionID string) []Record {
	return t.filter(func(r Record) bool { return r.CollectionID == collectionID })
}

// Editors returns the live editors of entityID other than except.
func (t *Tracker) Editors(entityID, except string) []Record {
	return t.filter(func(r Record) bool {
		return r.EntityID == entityID && r.State == Editing && r.UserID != except
	})
}

func (t *Tracker) StateOf(userID, entityID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key{entityID, userID}]
	if !ok || rec.Expired(t.now(), t.ttl) {
		return Absent
	}
	return rec.State
}

// RemoveUser expires every record the user holds in the collection.
func (t *Tracker) RemoveUser(_ context.Context, collectionID, userID string) error {
	t.remove(func(r Record) bool { return r.CollectionID == collectionID && r.UserID == userID })
	return nil
}

func (t *Tracker) RemoveCollection(_ context.Context, collectionID string) error {
	t.remove(func(r Record) bool { return r.CollectionID == collectionID })
	return nil
}

// Sweep reclaims expired records and reports how many were dropped.
func (t *Tracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, rec := range t.records {
		if rec.Expired(now, t.ttl) {
			delete(t.records, k)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is done.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.ttl
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					t.logger.Debug("presence: swept expired records", zap.Int("count", n))
				}
			}
		}
	}()
}

func (t *Tracker) filter(keep func(Record) bool) []Record {
	now := t.now()
	t.mu.RLock()
	var out []Record
	for _, rec := range t.records {
		if !rec.Expired(now, t.ttl) && keep(rec) {
			out = append(out, rec)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (t *Tracker) remove(match func(Record) bool) {
	now := t.now().UTC()
	var removed []Record

	t.mu.Lock()
	for k, rec := range t.records {
		if match(rec) {
			delete(t.records, k)
			rec.State = Absent
			rec.LastHeartbeat = now
			removed = append(removed, rec)
		}
	}
	t.mu.Unlock()

	for _, rec := range removed {
		t.changed(rec)
	}
}

func (t *Tracker) changed(rec Record) {
	t.publish(rec)

	t.mu.RLock()
	hooks := t.onChange
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn(rec)
	}
}

func (t *Tracker) publish(rec Record) {
	t.bus.Publish(notify.Notification{
		Type:         notify.TypePresence,
		CollectionID: rec.CollectionID,
		EntityID:     rec.EntityID,
		Payload:      rec,
		At:           rec.LastHeartbeat,
	})
}
