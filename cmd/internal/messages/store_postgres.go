package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Sequence allocation takes a per-room transactional advisory lock and bumps
//   the room_cursors row, so concurrent appends to one room serialize while
//   other rooms proceed.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "studymate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := dbschema.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messages: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, room_id, seq, sender_id, type, body_text, attachment, deleted,
	COALESCE(client_msg_id, ''), state, failure_reason, scheduled_for, created_at, deleted_at`

func (s *PostgresStore) table(name string) string { return dbschema.Ident(s.schema, name) }

func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := nowOr(in.Now)
	id := in.ID
	if id == "" {
		var err error
		if id, err = ids.NewULID(now); err != nil {
			return AppendResult{}, err
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockRoom(ctx, tx, "messages.Append", in.RoomID); err != nil {
		return AppendResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+s.table("messages")+`
			  WHERE room_id = $1 AND client_msg_id = $2`,
			in.RoomID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	seq, err := s.nextSeq(ctx, tx, in.RoomID)
	if err != nil {
		return AppendResult{}, err
	}

	attachment, err := encodeAttachment(in.Payload.Attachment)
	if err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, room_id, seq, sender_id, type, body_text, attachment, client_msg_id, state, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
		id, in.RoomID, seq, in.SenderID, string(in.Type), in.Payload.Text, attachment,
		in.ClientMsgID, string(chat.StatePending), now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Message: chat.Message{
		ID:          id,
		RoomID:      in.RoomID,
		SenderID:    in.SenderID,
		Seq:         seq,
		Type:        in.Type,
		Payload:     in.Payload,
		ClientMsgID: in.ClientMsgID,
		CreatedAt:   now,
		State:       chat.StatePending,
	}}, nil
}

func (s *PostgresStore) AppendScheduled(ctx context.Context, in ScheduledInput) (chat.Message, error) {
	if err := in.validate(); err != nil {
		return chat.Message{}, err
	}

	now := nowOr(in.Now)
	id := in.ID
	if id == "" {
		var err error
		if id, err = ids.NewULID(now); err != nil {
			return chat.Message{}, err
		}
	}
	due := in.ScheduledFor.UTC()

	attachment, err := encodeAttachment(in.Payload.Attachment)
	if err != nil {
		return chat.Message{}, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, room_id, seq, sender_id, type, body_text, attachment, state, scheduled_for, created_at
		   )
		 SELECT $1, r.id, 0, $3, $4, $5, $6, $7, $8, $9
		   FROM `+s.table("rooms")+` r
		  WHERE r.id = $2`,
		id, in.RoomID, in.SenderID, string(in.Type), in.Payload.Text, attachment,
		string(chat.StateScheduled), due, now,
	)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert scheduled message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.Message{}, chat.NotFoundError{Op: "messages.AppendScheduled", Kind: chat.ErrRoomNotFound, Resource: in.RoomID}
	}

	return chat.Message{
		ID:           id,
		RoomID:       in.RoomID,
		SenderID:     in.SenderID,
		Type:         in.Type,
		Payload:      in.Payload,
		CreatedAt:    now,
		ScheduledFor: &due,
		State:        chat.StateScheduled,
	}, nil
}

func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (Page, error) {
	if in.RoomID == "" {
		return Page{}, chat.Invalid("messages.History", "missing room id")
	}
	limit := clampLimit(in.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE room_id = $1 AND seq > 0 AND ($2 <= 0 OR seq < $2)
		  ORDER BY seq DESC
		  LIMIT $3`,
		in.RoomID, in.Before, limit+1,
	)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return Page{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	// Descending from the query; callers get oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := Page{Messages: msgs, HasMore: hasMore}
	if len(msgs) > 0 {
		page.NextBefore = msgs[0].Seq
	}
	return page, nil
}

func (s *PostgresStore) Get(ctx context.Context, messageID string) (chat.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1`,
		messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, messageNotFound("messages.Get", messageID)
	}
	return m, err
}

func (s *PostgresStore) LatestSeq(ctx context.Context, roomID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT next_seq - 1 FROM `+s.table("room_cursors")+` WHERE room_id = $1`,
		roomID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID string, now time.Time) (chat.Message, error) {
	const op = "messages.MarkDelivered"

	var roomID string
	err := s.pool.QueryRow(ctx, `SELECT room_id FROM `+s.table("messages")+` WHERE id = $1`, messageID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, messageNotFound(op, messageID)
	}
	if err != nil {
		return chat.Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockRoom(ctx, tx, op, roomID); err != nil {
		return chat.Message{}, err
	}

	cur, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1 FOR UPDATE`,
		messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, messageNotFound(op, messageID)
	}
	if err != nil {
		return chat.Message{}, err
	}
	if cur.State == chat.StateDelivered {
		return cur, tx.Commit(ctx)
	}

	if cur.Seq == 0 {
		if cur.Seq, err = s.nextSeq(ctx, tx, roomID); err != nil {
			return chat.Message{}, err
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET seq = $2, state = $3, failure_reason = ''
		  WHERE id = $1`,
		messageID, cur.Seq, string(chat.StateDelivered),
	); err != nil {
		return chat.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, err
	}

	cur.State = chat.StateDelivered
	cur.FailureReason = ""
	return cur, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, messageID, reason string) (chat.Message, error) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET state = $2, failure_reason = $3
		  WHERE id = $1 AND state <> $4`,
		messageID, string(chat.StateFailed), reason, string(chat.StateDelivered),
	); err != nil {
		return chat.Message{}, err
	}
	m, err := s.Get(ctx, messageID)
	if chat.IsNotFound(err) {
		return chat.Message{}, messageNotFound("messages.MarkFailed", messageID)
	}
	return m, err
}

func (s *PostgresStore) Tombstone(ctx context.Context, messageID, requesterID string, now time.Time) (chat.Message, error) {
	const op = "messages.Tombstone"

	var sender string
	err := s.pool.QueryRow(ctx, `SELECT sender_id FROM `+s.table("messages")+` WHERE id = $1`, messageID).Scan(&sender)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, messageNotFound(op, messageID)
	}
	if err != nil {
		return chat.Message{}, err
	}
	if sender != requesterID {
		return chat.Message{}, chat.OpError{Op: op, Kind: chat.ErrForbidden, Msg: "only the sender may delete"}
	}
	return s.tombstone(ctx, op, messageID, now)
}

func (s *PostgresStore) Expire(ctx context.Context, messageID string, now time.Time) (chat.Message, error) {
	return s.tombstone(ctx, "messages.Expire", messageID, now)
}

// tombstone clears the payload and keeps seq. Already deleted rows keep their deleted_at.
func (s *PostgresStore) tombstone(ctx context.Context, op, messageID string, now time.Time) (chat.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("messages")+`
		    SET body_text = '', attachment = NULL, deleted = true,
		        deleted_at = COALESCE(deleted_at, $2)
		  WHERE id = $1
		RETURNING `+messageColumns,
		messageID, nowOr(now),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, messageNotFound(op, messageID)
	}
	return m, err
}

// lockRoom takes the per-room advisory lock and checks that the room exists.
func (s *PostgresStore) lockRoom(ctx context.Context, tx pgx.Tx, op, roomID string) error {
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, roomID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM `+s.table("rooms")+` WHERE id = $1`, roomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.NotFoundError{Op: op, Kind: chat.ErrRoomNotFound, Resource: roomID}
	}
	return err
}

// nextSeq allocates the next sequence from the room cursor. Caller holds the room lock.
func (s *PostgresStore) nextSeq(ctx context.Context, tx pgx.Tx, roomID string) (int64, error) {
	cursors := s.table("room_cursors")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		roomID,
	); err != nil {
		return 0, err
	}

	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		roomID,
	).Scan(&seq)
	return seq, err
}

func encodeAttachment(ref *chat.AttachmentRef) ([]byte, error) {
	if ref == nil {
		return nil, nil
	}
	return json.Marshal(ref)
}

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		m          chat.Message
		typ, state string
		attachment []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.RoomID,
		&m.Seq,
		&m.SenderID,
		&typ,
		&m.Payload.Text,
		&attachment,
		&m.Payload.Deleted,
		&m.ClientMsgID,
		&state,
		&m.FailureReason,
		&m.ScheduledFor,
		&m.CreatedAt,
		&m.DeletedAt,
	); err != nil {
		return chat.Message{}, err
	}
	m.Type = chat.MessageType(typ)
	m.State = chat.DeliveryState(state)

	if len(attachment) > 0 {
		var ref chat.AttachmentRef
		if err := json.Unmarshal(attachment, &ref); err != nil {
			return chat.Message{}, fmt.Errorf("decode attachment ref: %w", err)
		}
		m.Payload.Attachment = &ref
	}
	return m, nil
}

var _ Store = (*PostgresStore)(nil)
