package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested row cannot be located.
	ErrNotFound = errors.New("state: not found")
	// ErrDuplicateEvent indicates a journal sequence number was written twice.
	ErrDuplicateEvent = errors.New("state: duplicate run event")
)

// Ensemble is the persisted header of an ensemble execution.
type Ensemble struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	ConfigJSON json.RawMessage `json:"config"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store is the Postgres-backed run journal.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RegisterEnsemble records an ensemble header, keeping the first registration on conflict.
func (s *Store) RegisterEnsemble(ctx context.Context, ensemble Ensemble) (Ensemble, error) {
	if ensemble.ID == "" {
		return Ensemble{}, errors.New("ensemble id required")
	}
	if len(ensemble.ConfigJSON) == 0 {
		ensemble.ConfigJSON = json.RawMessage(`{}`)
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO ensembles (id, name, config_json)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING
`, ensemble.ID, ensemble.Name, []byte(ensemble.ConfigJSON)); err != nil {
		return Ensemble{}, err
	}
	return s.GetEnsemble(ctx, ensemble.ID)
}

// GetEnsemble returns a single ensemble header by ID.
func (s *Store) GetEnsemble(ctx context.Context, ensembleID string) (Ensemble, error) {
	var ensemble Ensemble
	var config []byte
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, config_json, created_at
FROM ensembles
WHERE id = $1
`, ensembleID).Scan(&ensemble.ID, &ensemble.Name, &config, &ensemble.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ensemble{}, fmt.Errorf("%w: ensemble %s", ErrNotFound, ensembleID)
		}
		return Ensemble{}, err
	}
	ensemble.ConfigJSON = config
	return ensemble, nil
}

// Append writes a run event to the journal.
func (s *Store) Append(ctx context.Context, event RunEvent) error {
	if event.EnsembleID == "" {
		return errors.New("ensemble id required")
	}
	payload, err := json.Marshal(event.Run)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_events (ensemble_id, seq, run_id, kind, status, payload, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, event.EnsembleID, event.Seq, event.RunID, event.Kind, event.Run.Status, payload, event.At); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: ensemble %s seq %d", ErrDuplicateEvent, event.EnsembleID, event.Seq)
			}
			return err
		}
		return nil
	})
}

// ListRunEvents returns the journal of an ensemble ordered by sequence.
func (s *Store) ListRunEvents(ctx context.Context, ensembleID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ensemble_id, seq, run_id, kind, payload, recorded_at
FROM run_events
WHERE ensemble_id = $1
ORDER BY seq ASC
`, ensembleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var event RunEvent
		var payload []byte
		if err := rows.Scan(&event.EnsembleID, &event.Seq, &event.RunID, &event.Kind, &payload, &event.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &event.Run); err != nil {
			return nil, fmt.Errorf("decode run event %d: %w", event.Seq, err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
