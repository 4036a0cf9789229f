package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// PostgresTokenStore keeps push tokens in user_push_tokens.
// It does not own the pool.
type PostgresTokenStore struct {
	pool   *pgxpool.Pool
	schema string
}

type PostgresOption func(*PostgresTokenStore) error

// WithSchema sets the DB schema used by this store (default: "studymate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresTokenStore) error {
		v, err := dbschema.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

func NewPostgresTokenStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresTokenStore, error) {
	s := &PostgresTokenStore{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	return s, nil
}

func (s *PostgresTokenStore) table() string { return dbschema.Ident(s.schema, "user_push_tokens") }

func (s *PostgresTokenStore) Register(ctx context.Context, userID, token, platform string, now time.Time) error {
	if err := checkToken("notify.Register", userID, token); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (user_id, token, platform, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, token) DO UPDATE
		   SET platform = EXCLUDED.platform, updated_at = EXCLUDED.updated_at`,
		userID, token, platform, now,
	)
	if err != nil {
		return fmt.Errorf("upsert push token: %w", err)
	}
	return nil
}

func (s *PostgresTokenStore) Tokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token FROM `+s.table()+` WHERE user_id = $1 ORDER BY updated_at DESC, token`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresTokenStore) Remove(ctx context.Context, userID, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE user_id = $1 AND token = $2`, userID, token)
	return err
}

var _ TokenStore = (*PostgresTokenStore)(nil)
