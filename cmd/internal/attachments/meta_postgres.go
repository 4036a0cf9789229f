package attachments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// PostgresMetaStore is a MetaStore backed by PostgreSQL.
// It does not own the pool.
type PostgresMetaStore struct {
	pool   *pgxpool.Pool
	schema string
}

type PostgresOption func(*PostgresMetaStore) error

// WithSchema sets the DB schema used by this store (default: "studymate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresMetaStore) error {
		v, err := dbschema.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

func NewPostgresMetaStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresMetaStore, error) {
	s := &PostgresMetaStore{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("attachments: nil pool")
	}
	return s, nil
}

const attachmentColumns = `id, owner_id, room_id, COALESCE(message_id, ''), object_key, name, mime,
	declared_size, size, compressed, key_ref, expires_at, created_at, deleted_at`

func (s *PostgresMetaStore) table() string { return dbschema.Ident(s.schema, "attachments") }

func (s *PostgresMetaStore) Create(ctx context.Context, a Attachment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (
		     id, owner_id, room_id, message_id, object_key, name, mime,
		     declared_size, size, compressed, key_ref, expires_at, created_at
		   ) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.OwnerID, a.RoomID, a.MessageID, a.ObjectKey, a.Name, a.MIME,
		a.DeclaredSize, a.Size, a.Compressed, a.KeyRef, a.ExpiresAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresMetaStore) Get(ctx context.Context, id string) (Attachment, error) {
	a, err := scanAttachment(s.pool.QueryRow(ctx,
		`SELECT `+attachmentColumns+` FROM `+s.table()+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Attachment{}, notFound("attachments.Get", id)
	}
	return a, err
}

func (s *PostgresMetaStore) Bind(ctx context.Context, id, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET message_id = $2
		  WHERE id = $1 AND (message_id IS NULL OR message_id = $2)`,
		id, messageID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return errAlreadyBound
}

func (s *PostgresMetaStore) Unbind(ctx context.Context, id, messageID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET message_id = NULL WHERE id = $1 AND message_id = $2`,
		id, messageID,
	)
	return err
}

func (s *PostgresMetaStore) SetExpiry(ctx context.Context, id string, expiresAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.table()+` SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("attachments.SetExpiry", id)
	}
	return nil
}

func (s *PostgresMetaStore) Due(ctx context.Context, now time.Time, limit int) ([]Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attachmentColumns+`
		   FROM `+s.table()+`
		  WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
		  ORDER BY expires_at
		  LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresMetaStore) MarkDeleted(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET deleted_at = COALESCE(deleted_at, $2) WHERE id = $1`, id, now)
	return err
}

func (s *PostgresMetaStore) Remove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE id = $1`, id)
	return err
}

func scanAttachment(row pgx.Row) (Attachment, error) {
	var a Attachment
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.RoomID, &a.MessageID, &a.ObjectKey, &a.Name, &a.MIME,
		&a.DeclaredSize, &a.Size, &a.Compressed, &a.KeyRef, &a.ExpiresAt, &a.CreatedAt, &a.DeletedAt,
	)
	return a, err
}

var _ MetaStore = (*PostgresMetaStore)(nil)
