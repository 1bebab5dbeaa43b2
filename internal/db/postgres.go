package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/field-outbox/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS field_event_queue (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT        NOT NULL UNIQUE,
	machine_id   TEXT        NOT NULL,
	event_type   TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	payload      JSONB       NOT NULL DEFAULT '{}'::jsonb,
	sync_state   TEXT        NOT NULL DEFAULT 'pending',
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
ALTER TABLE field_event_queue ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ`

// PostgresQueueStore keeps the outbox in a Postgres table. Used on shop-floor gateways
// where several operator terminals share one queue server, so a record is only
// sent by whoever wins its Claim, and only claims older than staleAfter are
// handed back by ResetInFlight.
type PostgresQueueStore struct {
	pool       *pgxpool.Pool
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewPostgresQueueStore(ctx context.Context, connString string, staleAfter time.Duration, logger *slog.Logger) (*PostgresQueueStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, storeErr(ErrIOFailure, "", fmt.Errorf("failed to parse postgres config: %w", err))
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, storeErr(ErrIOFailure, "", fmt.Errorf("failed to create postgres pool: %w", err))
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, storeErr(ErrIOFailure, "", fmt.Errorf("postgres did not answer ping: %w", err))
	}

	s := &PostgresQueueStore{pool: p, staleAfter: staleAfter, logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}

	logger.Info("Event queue opened", "driver", "postgres")
	return s, nil
}

// EnsureSchema creates the queue table if it does not exist yet
func (s *PostgresQueueStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return storeErr(ErrIOFailure, "", fmt.Errorf("failed to create queue table: %w", err))
	}
	return nil
}

func (s *PostgresQueueStore) Add(ctx context.Context, rec models.EventRecord) (string, error) {
	payload := rec.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	state := rec.State
	if state == "" {
		state = models.StatePending
	}

	query := `
		INSERT INTO field_event_queue (id, machine_id, event_type, created_at, payload, sync_state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.MachineID,
		string(rec.EventType),
		rec.Timestamp,
		payload,
		string(state),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", storeErr(ErrDuplicateID, rec.ID, nil)
		}
		return "", storeErr(ErrIOFailure, rec.ID, fmt.Errorf("failed to insert record: %w", err))
	}
	return rec.ID, nil
}

// List runs as a single statement, so it reads one consistent snapshot
func (s *PostgresQueueStore) List(ctx context.Context) ([]models.EventRecord, error) {
	query := `
		SELECT id, machine_id, event_type, created_at, payload, sync_state
		FROM field_event_queue
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storeErr(ErrIOFailure, "", fmt.Errorf("failed to query queue: %w", err))
	}
	defer rows.Close()

	var records []models.EventRecord
	for rows.Next() {
		var (
			rec       models.EventRecord
			eventType string
			state     string
		)
		if err := rows.Scan(&rec.ID, &rec.MachineID, &eventType, &rec.Timestamp, &rec.Payload, &state); err != nil {
			return nil, storeErr(ErrCorruption, rec.ID, fmt.Errorf("failed to scan queue row: %w", err))
		}
		rec.EventType = models.EventType(eventType)
		rec.State = models.SyncState(state)
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(ErrIOFailure, "", fmt.Errorf("queue iteration failed: %w", err))
	}

	return records, nil
}

func (s *PostgresQueueStore) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM field_event_queue WHERE id = $1`, id); err != nil {
		return storeErr(ErrIOFailure, id, fmt.Errorf("failed to delete record: %w", err))
	}
	return nil
}

func (s *PostgresQueueStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM field_event_queue`).Scan(&n); err != nil {
		return 0, storeErr(ErrIOFailure, "", fmt.Errorf("failed to count queue: %w", err))
	}
	return n, nil
}

// Claim moves a pending record to in_flight. Only one caller can win it.
func (s *PostgresQueueStore) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE field_event_queue
		SET sync_state = 'in_flight', claimed_at = now()
		WHERE id = $1 AND sync_state = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, storeErr(ErrIOFailure, id, fmt.Errorf("failed to claim record: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresQueueStore) SetState(ctx context.Context, id string, state models.SyncState) error {
	query := `
		UPDATE field_event_queue
		SET sync_state = $2,
		    claimed_at = CASE WHEN $2::text = 'in_flight' THEN now() ELSE NULL END
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, string(state)); err != nil {
		return storeErr(ErrIOFailure, id, fmt.Errorf("failed to update sync state: %w", err))
	}
	return nil
}

// ResetInFlight returns abandoned claims to pending. Claims younger than staleAfter
// may belong to a send still running on another terminal and are left alone.
func (s *PostgresQueueStore) ResetInFlight(ctx context.Context) (int, error) {
	query := `
		UPDATE field_event_queue
		SET sync_state = 'pending', claimed_at = NULL
		WHERE sync_state = 'in_flight'
		  AND (claimed_at IS NULL OR claimed_at < now() - $1::float8 * interval '1 second')
	`
	tag, err := s.pool.Exec(ctx, query, s.staleAfter.Seconds())
	if err != nil {
		return 0, storeErr(ErrIOFailure, "", fmt.Errorf("failed to reset in-flight records: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresQueueStore) Close() error {
	s.logger.Info("Closing postgres queue pool")
	s.pool.Close()
	return nil
}
