package remote

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

var migrations = []string{
	`CREATE SEQUENCE IF NOT EXISTS entity_change_seq`,
	`
      CREATE TABLE IF NOT EXISTS collections (
          id             TEXT PRIMARY KEY,
          name           TEXT NOT NULL,
          owner_id       TEXT NOT NULL,
          privacy        TEXT NOT NULL DEFAULT 'invite_only',
          max_members    INT NOT NULL DEFAULT 50,
          invite_policy  TEXT NOT NULL DEFAULT 'admins',
          track_activity BOOLEAN NOT NULL DEFAULT TRUE,
          created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
      )`,
	`
      CREATE TABLE IF NOT EXISTS participants (
          collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
          user_id       TEXT NOT NULL,
          display_name  TEXT NOT NULL DEFAULT '',
          level         TEXT NOT NULL,
          status        TEXT NOT NULL DEFAULT 'pending',
          invited_by    TEXT NOT NULL DEFAULT '',
          invited_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
          joined_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
          PRIMARY KEY (collection_id, user_id)
      )`,
	`
      CREATE TABLE IF NOT EXISTS entities (
          id            TEXT PRIMARY KEY,
          collection_id TEXT NOT NULL DEFAULT '',
          payload       JSONB NOT NULL,
          revision      BIGINT NOT NULL,
          deleted       BOOLEAN NOT NULL DEFAULT FALSE,
          editor        TEXT NOT NULL DEFAULT '',
          updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
          last_op_id    TEXT NOT NULL DEFAULT '',
          seq           BIGINT NOT NULL DEFAULT nextval('entity_change_seq')
      )`,
	`CREATE INDEX IF NOT EXISTS idx_entities_collection_seq ON entities(collection_id, seq)`,
	`
      CREATE TABLE IF NOT EXISTS activity_events (
          id            TEXT PRIMARY KEY,
          collection_id TEXT NOT NULL,
          kind          TEXT NOT NULL,
          actor         TEXT NOT NULL,
          subject       TEXT NOT NULL DEFAULT '',
          entity_id     TEXT NOT NULL DEFAULT '',
          from_level    INT NOT NULL DEFAULT 0,
          to_level      INT NOT NULL DEFAULT 0,
          detail        TEXT NOT NULL DEFAULT '',
          metadata      JSONB,
          at            TIMESTAMPTZ NOT NULL DEFAULT now()
      )`,
	`CREATE INDEX IF NOT EXISTS idx_activity_collection ON activity_events(collection_id, id)`,
}

// AutoMigrate creates the schema used by PostgresStore and the activity sink.
func AutoMigrate(ctx context.Context, db Execer) error {
	for _, stmt := range migrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
