package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// PostgresEntryStore is an EntryStore backed by scheduled_entries.
// It does not own the pool.
type PostgresEntryStore struct {
	pool   *pgxpool.Pool
	schema string
}

type PostgresOption func(*PostgresEntryStore) error

// WithSchema sets the DB schema used by this store (default: "studymate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresEntryStore) error {
		v, err := dbschema.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

func NewPostgresEntryStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresEntryStore, error) {
	s := &PostgresEntryStore{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("scheduler: nil pool")
	}
	return s, nil
}

const entryColumns = `id, message_id, room_id, sender_id, due_at, state, attempts, last_error,
	claimed_by, claimed_at, created_at, updated_at`

func (s *PostgresEntryStore) table() string { return dbschema.Ident(s.schema, "scheduled_entries") }

func (s *PostgresEntryStore) Create(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (
		     id, message_id, room_id, sender_id, due_at, state, attempts, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`,
		e.ID, e.MessageID, e.RoomID, e.SenderID, e.DueAt, string(StateScheduled), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scheduled entry: %w", err)
	}
	return nil
}

func (s *PostgresEntryStore) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM `+s.table()+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, entryNotFound("scheduler.Get", id)
	}
	return e, err
}

func (s *PostgresEntryStore) List(ctx context.Context, roomID, senderID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		   FROM `+s.table()+`
		  WHERE room_id = $1 AND sender_id = $2
		  ORDER BY due_at, id`,
		roomID, senderID,
	)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PostgresEntryStore) ClaimDue(ctx context.Context, now time.Time, worker string, limit int) ([]Entry, error) {
	t := s.table()
	rows, err := s.pool.Query(ctx,
		`UPDATE `+t+` AS e
		    SET state = $3, attempts = e.attempts + 1, claimed_by = $4, claimed_at = $1, updated_at = $1
		  WHERE e.id IN (
		          SELECT id FROM `+t+`
		           WHERE state = $2 AND due_at <= $1
		           ORDER BY due_at
		           LIMIT $5
		           FOR UPDATE SKIP LOCKED
		        )
		    AND e.state = $2
		RETURNING `+entryColumns,
		now, string(StateScheduled), string(StatePromoting), worker, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PostgresEntryStore) transition(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	return lostIfNone(tag)
}

func (s *PostgresEntryStore) Complete(ctx context.Context, id, worker string, now time.Time) error {
	return s.transition(ctx,
		`UPDATE `+s.table()+`
		    SET state = $4, last_error = '', updated_at = $3
		  WHERE id = $1 AND claimed_by = $2 AND state = $5`,
		id, worker, now, string(StateDelivered), string(StatePromoting),
	)
}

func (s *PostgresEntryStore) Retry(ctx context.Context, id, worker string, nextDue time.Time, lastErr string, now time.Time) error {
	return s.transition(ctx,
		`UPDATE `+s.table()+`
		    SET state = $6, due_at = $3, last_error = $4, claimed_by = '', claimed_at = NULL, updated_at = $5
		  WHERE id = $1 AND claimed_by = $2 AND state = $7`,
		id, worker, nextDue, lastErr, now, string(StateScheduled), string(StatePromoting),
	)
}

func (s *PostgresEntryStore) Fail(ctx context.Context, id, worker, lastErr string, now time.Time) error {
	return s.transition(ctx,
		`UPDATE `+s.table()+`
		    SET state = $5, last_error = $3, updated_at = $4
		  WHERE id = $1 AND claimed_by = $2 AND state = $6`,
		id, worker, lastErr, now, string(StateFailed), string(StatePromoting),
	)
}

func (s *PostgresEntryStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET state = $3, updated_at = $2 WHERE id = $1 AND state = $4`,
		id, now, string(StateCancelled), string(StateScheduled),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresEntryStore) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET state = $3, claimed_by = '', claimed_at = NULL, updated_at = $2
		  WHERE state = $4 AND claimed_at < $1`,
		cutoff, now, string(StateScheduled), string(StatePromoting),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func lostIfNone(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return errLostClaim
	}
	return nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		return scanEntry(row)
	})
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e     Entry
		state string
	)
	err := row.Scan(
		&e.ID, &e.MessageID, &e.RoomID, &e.SenderID, &e.DueAt, &state, &e.Attempts, &e.LastError,
		&e.ClaimedBy, &e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	e.State = State(state)
	return e, err
}

var _ EntryStore = (*PostgresEntryStore)(nil)
