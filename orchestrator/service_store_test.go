package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/chunkrun/protocol"
	"github.com/izavyalov-dev/chunkrun/state"
)

func TestResumeFromPostgresJournal(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	ensemble, err := store.RegisterEnsemble(ctx, state.Ensemble{ID: "ens-pg", Name: "resHT21V12T6"})
	require.NoError(t, err)

	crashing := &recordingDriver{fail: func(spec protocol.ChunkSpec) error {
		if spec.Phase == protocol.PhaseSpinoff {
			return errors.New("allocation revoked")
		}
		return nil
	}}
	ledger := state.NewLedger(ensemble.ID, store)
	report, err := newTestService(ledger, crashing, Settings{Parameters: exampleParameters}).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed(), 2)

	restored, err := state.Restore(ctx, ensemble.ID, store, store)
	require.NoError(t, err)
	require.Len(t, restored.Runs(), 6)
	for i, run := range restored.Runs() {
		assert.Equal(t, ledger.Runs()[i].Status, run.Status)
		assert.Equal(t, ledger.Runs()[i].RestartSource, run.RestartSource)
	}

	healthy := &recordingDriver{}
	report, err = newTestService(restored, healthy, Settings{Parameters: exampleParameters, Resume: true}).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	calls := healthy.calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, protocol.PhaseSpinoff, call.Phase)
		assert.Equal(t, "restarts/res0002.tar.gz", call.Restart.Path)
	}

	events, err := store.ListRunEvents(ctx, ensemble.ID)
	require.NoError(t, err)
	assert.Len(t, events, 6*3+2*3)
}

func setupTestStore(t *testing.T, ctx context.Context) (*state.Store, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping db: %v", err)
	}

	store := state.NewStore(db)
	if _, err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetDatabase(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("reset database: %v", err)
	}

	cleanup := func() {
		_ = resetDatabase(ctx, db)
		_ = db.Close()
	}
	return store, cleanup
}

func resetDatabase(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
SELECT tablename
FROM pg_tables
WHERE schemaname = 'public'
  AND tablename <> 'schema_migrations'
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, quoteIdentifier(name))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(tables, ", ")))
	return err
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
