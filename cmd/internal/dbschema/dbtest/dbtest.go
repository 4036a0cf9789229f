// Package dbtest provides Postgres integration test helpers.
//
// Tests using it are skipped unless STUDYMATE_DATABASE_URL is set, which keeps
// "go test ./..." fast and deterministic without a database.
package dbtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// EnvDatabaseURL names the variable that enables integration tests.
const EnvDatabaseURL = "STUDYMATE_DATABASE_URL"

// Open connects to the test database and creates a throwaway schema with the
// full DDL applied. Both are cleaned up when the test ends.
func Open(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	if raw == "" {
		t.Skip("integration test skipped: " + EnvDatabaseURL + " is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", EnvDatabaseURL, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	schema := "studymate_it_" + randomHex(6)
	if err := dbschema.Apply(ctx, pool, schema); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}

	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		_, _ = pool.Exec(dctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		pool.Close()
	})

	return pool, schema
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
