package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/rescue-dispatch/internal/queue"
)

// DeadLetterRepository keeps a durable audit trail of records the queue gave
// up on. The Redis dead-letter list can be cleared; this table cannot.
type DeadLetterRepository interface {
	EnsureSchema(ctx context.Context) error
	Archive(ctx context.Context, rec queue.Record) error
	List(ctx context.Context, limit, offset int) ([]ArchivedRecord, error)
}

type ArchivedRecord struct {
	queue.Record
	ArchivedAt time.Time `json:"archived_at"`
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresDeadLetterRepo struct {
	db db
}

var _ DeadLetterRepository = (*PostgresDeadLetterRepo)(nil)

func NewPostgresDeadLetterRepo(pool *pgxpool.Pool) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: pool}
}

const schema = `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		payload     TEXT NOT NULL,
		attempts    INTEGER NOT NULL,
		last_error  TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMPTZ NOT NULL,
		failed_at   TIMESTAMPTZ,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

func (r *PostgresDeadLetterRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating dead_letters table: %w", err)
	}
	return nil
}

// Archive upserts so a record that was requeued and died again keeps one row.
func (r *PostgresDeadLetterRepo) Archive(ctx context.Context, rec queue.Record) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO dead_letters (id, payload, attempts, last_error, enqueued_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET attempts = EXCLUDED.attempts,
		    last_error = EXCLUDED.last_error,
		    failed_at = EXCLUDED.failed_at,
		    archived_at = now()
	`,
		rec.ID,
		rec.Payload,
		rec.Attempts,
		rec.LastError,
		rec.EnqueuedAt,
		rec.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving dead letter %s: %w", rec.ID, err)
	}
	return nil
}

func (r *PostgresDeadLetterRepo) List(ctx context.Context, limit, offset int) ([]ArchivedRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, payload, attempts, last_error, enqueued_at, failed_at, archived_at
		FROM dead_letters
		ORDER BY archived_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []ArchivedRecord
	for rows.Next() {
		var a ArchivedRecord
		if err := rows.Scan(
			&a.ID,
			&a.Payload,
			&a.Attempts,
			&a.LastError,
			&a.EnqueuedAt,
			&a.FailedAt,
			&a.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
