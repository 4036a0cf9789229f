package rooms

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// PostgresDirectory reads rooms and members from the rooms/room_members tables.
// The pool is owned by the caller.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresDirectory behavior.
type PostgresOption func(*PostgresDirectory) error

// WithSchema sets the DB schema used by the directory (default: "studymate").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		s, err := dbschema.CheckSchema(schema)
		if err != nil {
			return err
		}
		d.schema = s
		return nil
	}
}

// NewPostgresDirectory constructs a Postgres-backed Directory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("rooms: nil pool")
	}
	return d, nil
}

func (d *PostgresDirectory) Create(ctx context.Context, in CreateInput) (chat.Room, error) {
	room, err := in.normalize()
	if err != nil {
		return chat.Room{}, err
	}

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+dbschema.Ident(d.schema, "rooms")+` (id, kind, title, owner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		room.ID, string(room.Kind), room.Title, room.OwnerID, room.CreatedAt,
	)
	if err != nil {
		return chat.Room{}, err
	}
	if tag.RowsAffected() == 0 {
		return chat.Room{}, chat.Invalid("rooms.Create", "room id already exists")
	}

	rows := make([][]any, 0, len(room.Members))
	for _, m := range room.Members {
		rows = append(rows, []any{room.ID, m, room.CreatedAt})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{d.schema, "room_members"},
		[]string{"room_id", "user_id", "joined_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return chat.Room{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Room{}, err
	}
	return room, nil
}

func (d *PostgresDirectory) Get(ctx context.Context, roomID string) (chat.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return chat.Room{}, roomNotFound("rooms.Get", roomID)
	}

	var (
		r    chat.Room
		kind string
	)
	err := d.pool.QueryRow(ctx,
		`SELECT id, kind, title, owner_id, created_at, archived_at
		   FROM `+dbschema.Ident(d.schema, "rooms")+`
		  WHERE id = $1`,
		roomID,
	).Scan(&r.ID, &kind, &r.Title, &r.OwnerID, &r.CreatedAt, &r.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Room{}, roomNotFound("rooms.Get", roomID)
	}
	if err != nil {
		return chat.Room{}, err
	}
	r.Kind = chat.RoomKind(kind)

	members, err := d.members(ctx, roomID)
	if err != nil {
		return chat.Room{}, err
	}
	r.Members = members
	return r, nil
}

func (d *PostgresDirectory) ListForUser(ctx context.Context, userID string) ([]chat.Room, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT r.id
		   FROM `+dbschema.Ident(d.schema, "rooms")+` r
		   JOIN `+dbschema.Ident(d.schema, "room_members")+` m ON m.room_id = r.id
		  WHERE m.user_id = $1
		  ORDER BY r.created_at DESC
		  LIMIT 500`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	roomIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	out := make([]chat.Room, 0, len(roomIDs))
	for _, id := range roomIDs {
		r, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *PostgresDirectory) Members(ctx context.Context, roomID string) ([]string, error) {
	if _, err := d.Get(ctx, roomID); err != nil {
		return nil, err
	}
	return d.members(ctx, roomID)
}

func (d *PostgresDirectory) members(ctx context.Context, roomID string) ([]string, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT user_id FROM `+dbschema.Ident(d.schema, "room_members")+`
		  WHERE room_id = $1
		  ORDER BY joined_at, user_id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// IsMember checks membership without loading the room.
// A missing room reports RoomNotFound so callers can tell the two apart.
func (d *PostgresDirectory) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return false, roomNotFound("rooms.IsMember", roomID)
	}
	if userID == "" {
		return false, nil
	}

	var exists, member bool
	err := d.pool.QueryRow(ctx,
		`SELECT true,
		        EXISTS (SELECT 1 FROM `+dbschema.Ident(d.schema, "room_members")+`
		                 WHERE room_id = $1 AND user_id = $2)
		   FROM `+dbschema.Ident(d.schema, "rooms")+`
		  WHERE id = $1`,
		roomID, userID,
	).Scan(&exists, &member)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, roomNotFound("rooms.IsMember", roomID)
	}
	if err != nil {
		return false, err
	}
	return member, nil
}

func (d *PostgresDirectory) Archive(ctx context.Context, roomID string, now time.Time) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE `+dbschema.Ident(d.schema, "rooms")+`
		    SET archived_at = COALESCE(archived_at, $2)
		  WHERE id = $1`,
		roomID, now.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return roomNotFound("rooms.Archive", roomID)
	}
	return nil
}
