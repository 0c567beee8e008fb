package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PG keeps one snapshot frame per document id in Postgres, for
// deployments that already have a database and no appetite for local
// state. Incremental frames are not logged; the snapshot is upserted
// whole on save, which suits a periodic checkpointing strategy.
type PG struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS weave_snapshots (
	doc_id  text PRIMARY KEY,
	frame   bytea NOT NULL,
	updated timestamptz NOT NULL DEFAULT now()
)`

func OpenPG(ctx context.Context, url string) (*PG, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "store: connecting to postgres")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "store: creating schema")
	}
	return &PG{pool: pool}, nil
}

// Save upserts the document's full-state frame.
func (pg *PG) Save(ctx context.Context, docID string, snapshot []byte) error {
	_, err := pg.pool.Exec(ctx, `
		INSERT INTO weave_snapshots (doc_id, frame, updated)
		VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET frame = $2, updated = now()`,
		docID, snapshot)
	return errors.Wrap(err, "store: saving snapshot")
}

// Load fetches the snapshot frame; ok is false when the document was
// never saved.
func (pg *PG) Load(ctx context.Context, docID string) (frame []byte, ok bool, err error) {
	err = pg.pool.QueryRow(ctx,
		`SELECT frame FROM weave_snapshots WHERE doc_id = $1`, docID).Scan(&frame)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "store: loading snapshot")
	}
	return frame, true, nil
}
