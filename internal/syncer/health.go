package syncer

import (
	"time"

	"sync-service/internal/notify"
)

type State string

const (
	Synced        State = "synced"
	Syncing       State = "syncing"
	PausedOffline State = "paused-offline"
	StateError    State = "error"
)

// Health summarises the engine for status displays.
type Health struct {
	State      State     `json:"state"`
	Score      float64   `json:"score"`
	Queued     int       `json:"queued"`
	InFlight   int       `json:"inFlight"`
	Retrying   int       `json:"retrying"`
	Conflicted int       `json:"conflicted"`
	Failed     int       `json:"failed"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// Redacted drops the transport error text, which may name hosts or other
// collections, for readers who are not operators.
func (h Health) Redacted() Health {
	h.LastError = ""
	return h
}

func (e *Engine) Status() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{Queued: len(e.ops), LastSyncAt: e.lastSyncAt, LastError: e.lastError, Score: 1}
	for _, op := range e.ops {
		switch {
		case op.Status == InFlight:
			h.InFlight++
		case op.Status == Conflicted:
			h.Conflicted++
		case op.Terminal:
			h.Failed++
		case op.Status == Failed:
			h.Retrying++
		}
	}
	if n := len(e.results); n > 0 {
		ok := 0
		for _, r := range e.results {
			if r {
				ok++
			}
		}
		h.Score = float64(ok) / float64(n)
	}

	switch {
	case e.offline:
		h.State = PausedOffline
	case h.Failed > 0 || h.Score < 0.5:
		h.State = StateError
	case h.Queued > 0:
		h.State = Syncing
	default:
		h.State = Synced
	}
	return h
}

// SetOffline pauses or resumes remote calls.
func (e *Engine) SetOffline(offline bool) {
	e.mu.Lock()
	changed := e.offline != offline
	e.offline = offline
	e.mu.Unlock()
	if !changed {
		return
	}
	e.publishHealth(e.Status())
	if !offline {
		e.Wake()
	}
}

func (e *Engine) isOffline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offline
}

// recordCall feeds the rolling success window behind Health.Score.
func (e *Engine) recordCall(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, err == nil)
	if len(e.results) > e.window {
		e.results = e.results[len(e.results)-e.window:]
	}
	if err != nil {
		e.lastError = err.Error()
	}
}

func (e *Engine) publishHealth(h Health) {
	e.bus.Publish(notify.Notification{Type: notify.TypeHealth, Payload: h.Redacted(), At: e.now().UTC()})
}
