// Package dbschema owns the Postgres DDL of the chat core and the identifier
// helpers shared by every Postgres-backed store.
package dbschema

import (
	"context"
	_ "embed"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "studymate"

//go:embed schema.sql
var ddl string

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain Postgres identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// Ident returns the quoted "schema"."table" identifier.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// CheckSchema trims and validates a schema name for the WithSchema options of the stores.
func CheckSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("dbschema: empty schema")
	}
	if !ValidIdent(schema) {
		return "", errors.New("dbschema: invalid schema identifier")
	}
	return schema, nil
}

// DDL renders the schema SQL for schema.
func DDL(schema string) string {
	return strings.ReplaceAll(ddl, "{{schema}}", pgx.Identifier{schema}.Sanitize())
}

// Apply creates the schema and all tables if they do not exist.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema, err := CheckSchema(schema)
	if err != nil {
		return err
	}
	if pool == nil {
		return errors.New("dbschema: nil pool")
	}
	_, err = pool.Exec(ctx, DDL(schema))
	return err
}
