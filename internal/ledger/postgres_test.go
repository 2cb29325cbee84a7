package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// These tests exercise the conditional SQL that carries the exactly-once
// guarantee against a real database. Point LEDGER_TEST_DSN at a disposable
// Postgres to run them:
//
//	LEDGER_TEST_DSN=postgres://localhost:5432/etlflow_test go test ./internal/ledger
func newTestPostgres(t *testing.T, cfg Config) *Postgres {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DSN not set, skipping postgres ledger tests")
	}
	p, err := NewPostgres(context.Background(), dsn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// testObjectID returns an identity unique to this test run so reruns against
// the same database never collide.
func testObjectID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("etlflow-test/%s/%d", t.Name(), time.Now().UnixNano())
}

func TestPostgresTryBeginAdmitsAndCompletes(t *testing.T) {
	p := newTestPostgres(t, Config{MaxAttempts: 3, StalenessWindow: time.Hour})
	ctx := context.Background()
	objectID := testObjectID(t)

	adm, entry, err := p.TryBegin(ctx, objectID)
	require.NoError(t, err)
	require.Equal(t, Admitted, adm)
	require.Equal(t, 1, entry.AttemptCount)

	require.NoError(t, p.Complete(ctx, objectID, "bucket/processed/a.csv"))

	adm, entry, err = p.TryBegin(ctx, objectID)
	require.NoError(t, err)
	require.Equal(t, AlreadyCompleted, adm)
	require.Equal(t, "bucket/processed/a.csv", entry.OutputID)
	require.Equal(t, StatusCompleted, entry.Status)

	// Completing twice is a no-op.
	require.NoError(t, p.Complete(ctx, objectID, "bucket/processed/a.csv"))
}

func TestPostgresFailedEntryReadmitsUntilExhausted(t *testing.T) {
	p := newTestPostgres(t, Config{MaxAttempts: 3, StalenessWindow: time.Hour})
	ctx := context.Background()
	objectID := testObjectID(t)

	for want := 1; want <= 3; want++ {
		adm, entry, err := p.TryBegin(ctx, objectID)
		require.NoError(t, err)
		require.Equal(t, Admitted, adm)
		require.Equal(t, want, entry.AttemptCount)

		_, err = p.Fail(ctx, objectID)
		require.NoError(t, err)
	}

	adm, entry, err := p.TryBegin(ctx, objectID)
	require.NoError(t, err)
	require.Equal(t, Exhausted, adm)
	require.Equal(t, 3, entry.AttemptCount)
	require.Equal(t, StatusFailed, entry.Status)
}

func TestPostgresRefusesConcurrentClaimUntilStale(t *testing.T) {
	p := newTestPostgres(t, Config{MaxAttempts: 5, StalenessWindow: time.Hour})
	ctx := context.Background()
	objectID := testObjectID(t)

	adm, _, err := p.TryBegin(ctx, objectID)
	require.NoError(t, err)
	require.Equal(t, Admitted, adm)

	adm, _, err = p.TryBegin(ctx, objectID)
	require.NoError(t, err)
	require.Equal(t, InProgressElsewhere, adm)

	// Backdate the claim past the staleness window; the next claimant takes over.
	_, err = p.pool.Exec(ctx, `
		UPDATE ledger_entries
		SET last_attempt_at = now() - interval '2 hours'
		WHERE object_id = $1`, objectID)
	require.NoError(t, err)

	adm, entry, err := p.TryBegin(ctx, objectID)
	require.NoError(t, err)
	require.Equal(t, Admitted, adm)
	require.Equal(t, 2, entry.AttemptCount)
}

func TestPostgresFailUnknownObject(t *testing.T) {
	p := newTestPostgres(t, Config{MaxAttempts: 3, StalenessWindow: time.Hour})

	_, err := p.Fail(context.Background(), testObjectID(t))
	require.ErrorIs(t, err, ErrNotFound)
}
