package dialect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/openbase-hq/openbase/internal/schema"
)

// Engine names match the persisted data-source configuration values.
const (
	EngineMySQL    = "mysql2"
	EnginePostgres = "pg"
	EngineMSSQL    = "mssql"
	EngineSQLite   = "better-sqlite3"
)

// Dialect abstracts everything engine-specific: schema introspection, type
// normalization and SQL lexical details. An implementation is selected once
// when a connection is built and never re-dispatched per call.
type Dialect interface {
	// Name returns the engine tag this dialect serves.
	Name() string
	// Driver returns the database/sql driver name to open handles with.
	Driver() string
	// Introspect reads the live schema into normalized entities. Columns in
	// every returned table are ordered by ordinal position.
	Introspect(ctx context.Context, db *sql.DB) ([]*schema.Entity, error)
	// NormalizeType maps a dialect-native type string to a ColumnType.
	// Unrecognized strings yield a TypeMappingError, never a default.
	NormalizeType(raw string, lengthHint sql.NullInt64) (schema.ColumnType, error)
	// QuoteIdentifier quotes a single (unqualified) identifier.
	QuoteIdentifier(name string) string
	// Placeholder is the bind-parameter format for generated statements.
	Placeholder() squirrel.PlaceholderFormat
	// Pagination renders the LIMIT/OFFSET clause. limit/offset are always
	// caller-controlled integers, so they are rendered inline rather than
	// bound. ordered reports whether the statement already has an ORDER BY.
	Pagination(limit, offset int, ordered bool) string
}

// New selects the dialect for an engine tag.
func New(engine string) (Dialect, error) {
	switch engine {
	case EngineMySQL:
		return &MySQL{}, nil
	case EnginePostgres:
		return &Postgres{}, nil
	case EngineSQLite:
		return &SQLite{}, nil
	case EngineMSSQL:
		return &MSSQL{}, nil
	default:
		return nil, &UnsupportedDialectError{Engine: engine, Op: "connect"}
	}
}

// TypeMappingError reports a dialect-native type string outside the
// normalization rules. It is fatal for the introspection pass that hit it.
type TypeMappingError struct {
	Dialect string
	Raw     string
}

func (e *TypeMappingError) Error() string {
	return fmt.Sprintf("%s: unable to normalize column type %q", e.Dialect, e.Raw)
}

// UnsupportedDialectError reports an operation attempted against an engine
// without support for it.
type UnsupportedDialectError struct {
	Engine string
	Op     string
}

func (e *UnsupportedDialectError) Error() string {
	return fmt.Sprintf("engine %q does not support %s", e.Engine, e.Op)
}
