package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	object_id       TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	attempt_count   INT NOT NULL,
	last_attempt_at TIMESTAMPTZ NOT NULL,
	output_id       TEXT NOT NULL DEFAULT ''
);
`

// Postgres is the shared-system-of-record Ledger. All state transitions are
// single conditional statements so concurrent invocations race safely on the
// database rather than in process memory.
type Postgres struct {
	cfg  Config
	pool *pgxpool.Pool
}

// NewPostgres connects to the given DSN and ensures the ledger table exists.
func NewPostgres(ctx context.Context, dsn string, cfg Config) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger store: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &Postgres{cfg: cfg, pool: pool}, nil
}

const tryBeginSQL = `
INSERT INTO ledger_entries (object_id, status, attempt_count, last_attempt_at)
VALUES ($1, 'in_progress', 1, now())
ON CONFLICT (object_id) DO UPDATE SET
	status          = 'in_progress',
	attempt_count   = ledger_entries.attempt_count + 1,
	last_attempt_at = now()
WHERE (ledger_entries.status = 'failed' AND ledger_entries.attempt_count < $2)
   OR (ledger_entries.status = 'in_progress'
       AND ledger_entries.last_attempt_at < now() - make_interval(secs => $3)
       AND ledger_entries.attempt_count < $2)
RETURNING attempt_count, last_attempt_at
`

func (p *Postgres) TryBegin(ctx context.Context, objectID string) (Admission, Entry, error) {
	e := Entry{ObjectID: objectID, Status: StatusInProgress}

	err := p.pool.QueryRow(ctx, tryBeginSQL, objectID, p.cfg.MaxAttempts, p.cfg.StalenessWindow.Seconds()).
		Scan(&e.AttemptCount, &e.LastAttemptAt)
	if err == nil {
		return Admitted, e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, Entry{}, fmt.Errorf("ledger try_begin %s: %w", objectID, err)
	}

	// The insert/update did not fire, so an entry exists that we may not claim.
	existing, err := p.Get(ctx, objectID)
	if err != nil {
		return 0, Entry{}, err
	}
	switch existing.Status {
	case StatusCompleted:
		return AlreadyCompleted, existing, nil
	case StatusFailed:
		return Exhausted, existing, nil
	default:
		if existing.AttemptCount >= p.cfg.MaxAttempts {
			return Exhausted, existing, nil
		}
		return InProgressElsewhere, existing, nil
	}
}

func (p *Postgres) Complete(ctx context.Context, objectID, outputID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE ledger_entries
		SET status = 'completed', output_id = $2, last_attempt_at = now()
		WHERE object_id = $1 AND status <> 'completed'`,
		objectID, outputID)
	if err != nil {
		return fmt.Errorf("ledger complete %s: %w", objectID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := p.Get(ctx, objectID)
		if err != nil {
			return err
		}
		if existing.Status == StatusCompleted {
			return nil
		}
		return fmt.Errorf("ledger complete %s: entry in unexpected state %s", objectID, existing.Status)
	}
	return nil
}

func (p *Postgres) Fail(ctx context.Context, objectID string) (Entry, error) {
	e := Entry{ObjectID: objectID, Status: StatusFailed}
	err := p.pool.QueryRow(ctx, `
		UPDATE ledger_entries
		SET status = 'failed', last_attempt_at = now()
		WHERE object_id = $1
		RETURNING attempt_count, last_attempt_at, output_id`,
		objectID).Scan(&e.AttemptCount, &e.LastAttemptAt, &e.OutputID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger fail %s: %w", objectID, err)
	}
	return e, nil
}

func (p *Postgres) Get(ctx context.Context, objectID string) (Entry, error) {
	e := Entry{ObjectID: objectID}
	err := p.pool.QueryRow(ctx, `
		SELECT status, attempt_count, last_attempt_at, output_id
		FROM ledger_entries WHERE object_id = $1`,
		objectID).Scan(&e.Status, &e.AttemptCount, &e.LastAttemptAt, &e.OutputID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger get %s: %w", objectID, err)
	}
	return e, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
