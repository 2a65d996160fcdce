package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventDedupeStore persists processed inbound event keys so that redelivered
// payment/chargeback/shift events can be skipped at the consumer boundary.
// A key is written only after the handler succeeds, so a crash mid-event
// leaves the key absent and the broker's redelivery reprocesses it; the
// ledger's idempotency keys make that reprocessing safe.
type EventDedupeStore struct {
	pool *pgxpool.Pool
}

// NewEventDedupeStore constructs the store.
func NewEventDedupeStore(pool *pgxpool.Pool) *EventDedupeStore {
	return &EventDedupeStore{pool: pool}
}

// ErrEventAlreadyProcessed indicates a duplicate event delivery.
var ErrEventAlreadyProcessed = errors.New("event already processed")

// Seen reports whether the key was already fully processed.
func (s *EventDedupeStore) Seen(ctx context.Context, key string) (bool, error) {
	if s == nil {
		return false, errors.New("event dedupe store not initialised")
	}
	if key == "" {
		return false, errors.New("event key required")
	}
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM processed_events WHERE key=$1`, key).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckAndInsert ensures key uniqueness per event source.
func (s *EventDedupeStore) CheckAndInsert(ctx context.Context, key, source string) error {
	if s == nil {
		return errors.New("event dedupe store not initialised")
	}
	if key == "" {
		return errors.New("event key required")
	}
	if source == "" {
		return errors.New("event source required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO processed_events (key, source, created_at) VALUES ($1, $2, $3)`, key, source, time.Now())
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			if pgErr.Code == "23505" {
				return ErrEventAlreadyProcessed
			}
		}
		return err
	}
	return nil
}

// Cleanup removes entries older than retention.
func (s *EventDedupeStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE created_at < $1`, cutoff)
	return err
}
