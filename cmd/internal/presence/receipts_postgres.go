package presence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// PostgresReceiptStore keeps read receipts in the read_receipts table.
// It does not own the pool.
type PostgresReceiptStore struct {
	pool   *pgxpool.Pool
	schema string
}

type PostgresOption func(*PostgresReceiptStore) error

// WithSchema sets the DB schema used by this store (default: "studymate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresReceiptStore) error {
		v, err := dbschema.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

func NewPostgresReceiptStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresReceiptStore, error) {
	s := &PostgresReceiptStore{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("presence: nil pool")
	}
	return s, nil
}

func (s *PostgresReceiptStore) table() string { return dbschema.Ident(s.schema, "read_receipts") }

func (s *PostgresReceiptStore) Ensure(ctx context.Context, roomID, userID string, now time.Time) (chat.ReadReceipt, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (room_id, user_id, last_read_seq, updated_at)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID, now,
	); err != nil {
		return chat.ReadReceipt{}, err
	}
	r, _, err := s.Get(ctx, roomID, userID)
	return r, err
}

func (s *PostgresReceiptStore) Advance(ctx context.Context, roomID, userID string, seq int64, now time.Time) (chat.ReadReceipt, bool, error) {
	var r chat.ReadReceipt
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` AS rr (room_id, user_id, last_read_seq, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, user_id) DO UPDATE
		   SET last_read_seq = EXCLUDED.last_read_seq,
		       updated_at = EXCLUDED.updated_at
		   WHERE rr.last_read_seq < EXCLUDED.last_read_seq
		 RETURNING room_id, user_id, last_read_seq, updated_at`,
		roomID, userID, seq, now,
	).Scan(&r.RoomID, &r.UserID, &r.LastReadSeq, &r.UpdatedAt)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chat.ReadReceipt{}, false, err
	}
	// Conflict row was not updated: the stored value is already at or past seq.
	r, _, err = s.Get(ctx, roomID, userID)
	return r, false, err
}

func (s *PostgresReceiptStore) Get(ctx context.Context, roomID, userID string) (chat.ReadReceipt, bool, error) {
	var r chat.ReadReceipt
	err := s.pool.QueryRow(ctx,
		`SELECT room_id, user_id, last_read_seq, updated_at
		   FROM `+s.table()+`
		  WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&r.RoomID, &r.UserID, &r.LastReadSeq, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.ReadReceipt{RoomID: roomID, UserID: userID}, false, nil
	}
	if err != nil {
		return chat.ReadReceipt{}, false, err
	}
	return r, true, nil
}

func (s *PostgresReceiptStore) List(ctx context.Context, roomID string) ([]chat.ReadReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room_id, user_id, last_read_seq, updated_at
		   FROM `+s.table()+`
		  WHERE room_id = $1
		  ORDER BY user_id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.ReadReceipt, error) {
		var r chat.ReadReceipt
		err := row.Scan(&r.RoomID, &r.UserID, &r.LastReadSeq, &r.UpdatedAt)
		return r, err
	})
}

var _ ReceiptStore = (*PostgresReceiptStore)(nil)
