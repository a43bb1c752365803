package activity

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the sink uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSink stores events in activity_events.
type PostgresSink struct {
	db DB
}

func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Append(ctx context.Context, ev Event) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO activity_events (
			id, collection_id, kind, actor, subject, entity_id,
			from_level, to_level, detail, metadata, at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.CollectionID, string(ev.Kind), ev.Actor, ev.Subject, ev.EntityID,
		int(ev.From), int(ev.To), ev.Detail, meta, ev.At)
	return err
}

func (s *PostgresSink) Prune(ctx context.Context, collectionID string, keep int) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM activity_events
		WHERE collection_id = $1
		  AND id NOT IN (
			SELECT id FROM activity_events
			WHERE collection_id = $1
			ORDER BY id DESC
			LIMIT $2
		  )
	`, collectionID, keep)
	return err
}

func (s *PostgresSink) Drop(ctx context.Context, collectionID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM activity_events WHERE collection_id = $1`, collectionID)
	return err
}

// Load reads the retained events of a collection in append order.
func (s *PostgresSink) Load(ctx context.Context, collectionID string) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, collection_id, kind, actor, subject, entity_id,
		       from_level, to_level, detail, metadata, at
		FROM activity_events
		WHERE collection_id = $1
		ORDER BY id ASC
	`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		var from, to int
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.CollectionID, &kind, &ev.Actor, &ev.Subject, &ev.EntityID,
			&from, &to, &ev.Detail, &meta, &ev.At); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		ev.From, ev.To = levelOrZero(from), levelOrZero(to)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Restore seeds the in-process feed, e.g. after a restart.
func (f *Feed) Restore(collectionID string, events []Event) {
	if len(events) > f.capacity {
		events = events[len(events)-f.capacity:]
	}
	f.mu.Lock()
	f.events[collectionID] = append([]Event(nil), events...)
	f.mu.Unlock()
}
