package postgres

import (
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier checks that a schema or table name is a plain PostgreSQL identifier.
// Names are interpolated into DDL, so anything else is rejected.
func validateIdentifier(name, kind string) error {
	if name == "" {
		return fmt.Errorf("bookstore/postgres: %s name cannot be empty", kind)
	}
	if len(name) > 63 {
		return fmt.Errorf("bookstore/postgres: %s name exceeds 63 characters", kind)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("bookstore/postgres: %s name %q contains invalid characters", kind, name)
	}
	return nil
}

func quoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteQualifiedTable(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
