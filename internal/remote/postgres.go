package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sync-service/internal/domain"
	"sync-service/internal/permission"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore keeps entities in Postgres and announces accepted writes on
// Redis channel changes:<collection>. rdb may be nil, in which case
// subscribers only learn about changes by pulling.
type PostgresStore struct {
	db     DB
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPostgresStore(db DB, rdb *redis.Client, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, rdb: rdb, logger: logger}
}

const entityColumns = `id, collection_id, payload, revision, deleted, editor, updated_at, last_op_id, seq`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var raw []byte
	if err := row.Scan(&r.EntityID, &r.CollectionID, &raw, &r.Revision, &r.Deleted,
		&r.Editor, &r.UpdatedAt, &r.LastOpID, &r.Seq); err != nil {
		return Record{}, err
	}
	p, err := domain.DecodePayload(r.EntityID, raw)
	if err != nil {
		r.Err = err
	}
	r.Payload = p
	return r, nil
}

func (s *PostgresStore) FetchMany(ctx context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("fetch entities: %w", err)
		}
		out[r.EntityID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch entities: %w", err)
	}
	return out, nil
}

const (
	insertEntitySQL = `
		INSERT INTO entities (id, collection_id, payload, revision, deleted, editor, updated_at, last_op_id, seq)
		VALUES ($1, $2, $3, 1, $4, $5, now(), $6, nextval('entity_change_seq'))
		ON CONFLICT (id) DO NOTHING
		RETURNING revision, seq, updated_at, collection_id`

	updateEntitySQL = `
		UPDATE entities
		SET payload    = CASE WHEN $3 THEN payload ELSE $2 END,
		    revision   = revision + 1,
		    deleted    = $3,
		    editor     = $4,
		    updated_at = now(),
		    last_op_id = $5,
		    seq        = nextval('entity_change_seq')
		WHERE id = $1 AND revision = $6
		RETURNING revision, seq, updated_at, collection_id`
)

// PushBatch sends every compare-and-set in one round trip. A request whose
// expected revision is stale comes back as RevisionMismatch with the actual
// revision.
func (s *PostgresStore) PushBatch(ctx context.Context, reqs []PushRequest) ([]PushResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	b := &pgx.Batch{}
	for _, req := range reqs {
		data, err := domain.EncodePayload(req.Payload)
		if err != nil {
			return nil, &domain.DataError{EntityID: req.EntityID, Reason: err.Error(), Recovery: "Restore the last known-good version."}
		}
		if req.ExpectedRevision == 0 {
			b.Queue(insertEntitySQL, req.EntityID, req.CollectionID, data, req.Delete, req.Editor, req.OperationID)
		} else {
			b.Queue(updateEntitySQL, req.EntityID, data, req.Delete, req.Editor, req.OperationID, req.ExpectedRevision)
		}
	}

	br := s.db.SendBatch(ctx, b)
	out := make([]PushResult, len(reqs))
	var stale []string
	for i, req := range reqs {
		rec := Record{
			EntityID: req.EntityID,
			Payload:  req.Payload.Clone(),
			Deleted:  req.Delete,
			Editor:   req.Editor,
			LastOpID: req.OperationID,
		}
		err := br.QueryRow().Scan(&rec.Revision, &rec.Seq, &rec.UpdatedAt, &rec.CollectionID)
		out[i] = PushResult{EntityID: req.EntityID, OperationID: req.OperationID}
		if errors.Is(err, pgx.ErrNoRows) {
			out[i].Status = RevisionMismatch
			stale = append(stale, req.EntityID)
			continue
		}
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("push entities: %w", err)
		}
		out[i].Status = Accepted
		out[i].Revision = rec.Revision
		out[i].Record = rec
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("push entities: %w", err)
	}

	if len(stale) > 0 {
		actual, err := s.revisions(ctx, stale)
		if err != nil {
			return nil, err
		}
		for i := range out {
			if out[i].Status == RevisionMismatch {
				out[i].Revision = actual[out[i].EntityID]
			}
		}
	}

	for _, res := range out {
		if res.Status == Accepted {
			s.publishChange(ctx, Change{
				CollectionID: res.Record.CollectionID,
				EntityID:     res.EntityID,
				Revision:     res.Revision,
				Seq:          res.Record.Seq,
				Deleted:      res.Record.Deleted,
			})
		}
	}
	return out, nil
}

func (s *PostgresStore) revisions(ctx context.Context, ids []string) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT id, revision FROM entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("read revisions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(ids))
	for rows.Next() {
		var id string
		var rev int64
		if err := rows.Scan(&id, &rev); err != nil {
			return nil, fmt.Errorf("read revisions: %w", err)
		}
		out[id] = rev
	}
	return out, rows.Err()
}

func (s *PostgresStore) Changes(ctx context.Context, collectionID string, since int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE collection_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, collectionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("pull changes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("pull changes: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) publishChange(ctx context.Context, c Change) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		s.logger.Error("remote: marshal change", zap.Error(err))
		return
	}
	if err := s.rdb.Publish(ctx, ChangesChannel(c.CollectionID), string(data)).Err(); err != nil {
		s.logger.Warn("remote: publish change", zap.String("entity", c.EntityID), zap.Error(err))
	}
}

// Subscribe relays change notifications from Redis until ctx is done.
func (s *PostgresStore) Subscribe(ctx context.Context, collectionID string) (<-chan Change, error) {
	out := make(chan Change, 64)
	if s.rdb == nil {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}

	sub := s.rdb.Subscribe(ctx, ChangesChannel(collectionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					s.logger.Warn("remote: bad change message", zap.Error(err))
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *PostgresStore) SaveCollection(ctx context.Context, c domain.SharedCollection) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO collections (id, name, owner_id, privacy, max_members, invite_policy, track_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    owner_id = EXCLUDED.owner_id,
		    privacy = EXCLUDED.privacy,
		    max_members = EXCLUDED.max_members,
		    invite_policy = EXCLUDED.invite_policy,
		    track_activity = EXCLUDED.track_activity
	`, c.ID, c.Name, c.OwnerID, string(c.Privacy), c.Settings.MaxMembers,
		string(c.Settings.InvitePolicy), c.Settings.TrackActivity, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("save collection: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCollection(ctx context.Context, collectionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM entities WHERE collection_id = $1`, collectionID); err != nil {
		return fmt.Errorf("delete collection entities: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM collections WHERE id = $1`, collectionID); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCollections(ctx context.Context) ([]domain.SharedCollection, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.name, c.owner_id, c.privacy, c.max_members, c.invite_policy, c.track_activity, c.created_at,
		       (SELECT count(*) FROM entities e WHERE e.collection_id = c.id AND NOT e.deleted)
		FROM collections c
		ORDER BY c.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load collections: %w", err)
	}
	defer rows.Close()

	var out []domain.SharedCollection
	for rows.Next() {
		var c domain.SharedCollection
		var privacy, policy string
		if err := rows.Scan(&c.ID, &c.Name, &c.OwnerID, &privacy, &c.Settings.MaxMembers,
			&policy, &c.Settings.TrackActivity, &c.CreatedAt, &c.Counters.Entities); err != nil {
			return nil, fmt.Errorf("load collections: %w", err)
		}
		c.Privacy = domain.Privacy(privacy)
		c.Settings.InvitePolicy = domain.InvitePolicy(policy)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddParticipant(ctx context.Context, m domain.Member) error {
	joined := m.InvitedAt
	if m.JoinedAt != nil {
		joined = *m.JoinedAt
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO participants (collection_id, user_id, display_name, level, status, invited_by, invited_at, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (collection_id, user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    level = EXCLUDED.level,
		    status = EXCLUDED.status,
		    invited_by = EXCLUDED.invited_by,
		    invited_at = EXCLUDED.invited_at,
		    joined_at = EXCLUDED.joined_at
	`, m.CollectionID, m.UserID, m.DisplayName, m.Level.String(), string(m.Status), m.InvitedBy, m.InvitedAt, joined)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, collectionID, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM participants WHERE collection_id = $1 AND user_id = $2`, collectionID, userID); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetParticipantPermission(ctx context.Context, collectionID, userID string, level permission.Level) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE participants SET level = $3 WHERE collection_id = $1 AND user_id = $2
	`, collectionID, userID, level.String())
	if err != nil {
		return fmt.Errorf("set participant permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, collectionID string) ([]domain.Member, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, display_name, level, status, invited_by, invited_at, joined_at
		FROM participants
		WHERE collection_id = $1
		ORDER BY user_id
	`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Member
	for rows.Next() {
		m := domain.Member{CollectionID: collectionID}
		var level, status string
		var joined time.Time
		if err := rows.Scan(&m.UserID, &m.DisplayName, &level, &status, &m.InvitedBy, &m.InvitedAt, &joined); err != nil {
			return nil, fmt.Errorf("list participants: %w", err)
		}
		if m.Level, err = permission.ParseLevel(level); err != nil {
			return nil, &domain.DataError{EntityID: collectionID, Reason: err.Error(), Recovery: "Re-invite the member."}
		}
		m.Status = domain.InviteStatus(status)
		if m.Active() {
			m.JoinedAt = &joined
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
