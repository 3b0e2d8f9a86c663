package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/openbase-hq/openbase/internal/schema"
)

type Postgres struct{}

func (d *Postgres) Name() string   { return EnginePostgres }
func (d *Postgres) Driver() string { return "pgx" }

func (d *Postgres) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *Postgres) Placeholder() squirrel.PlaceholderFormat { return squirrel.Dollar }

func (d *Postgres) Pagination(limit, offset int, ordered bool) string {
	var b strings.Builder
	if limit >= 0 {
		fmt.Fprintf(&b, "LIMIT %d", limit)
	}
	if offset > 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "OFFSET %d", offset)
	}
	return b.String()
}

func (d *Postgres) Introspect(ctx context.Context, db *sql.DB) ([]*schema.Entity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_schema, table_name, column_name, ordinal_position,
		       column_default, is_nullable, udt_name, character_maximum_length
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate columns: %w", err)
	}
	defer rows.Close()

	entities, index, err := collectColumns(rows, d.Name(), d.NormalizeType, true)
	if err != nil {
		return nil, err
	}

	// pg_constraint gives both ends of a foreign key in one row, which
	// information_schema spreads over three views.
	constraintRows, err := db.QueryContext(ctx, `
		SELECT con.conname,
		       ns.nspname,
		       rel.relname,
		       att.attname,
		       CASE con.contype
		           WHEN 'p' THEN 'PRIMARY KEY'
		           WHEN 'u' THEN 'UNIQUE'
		           WHEN 'f' THEN 'FOREIGN KEY'
		       END,
		       fns.nspname,
		       frel.relname,
		       fatt.attname
		FROM pg_constraint con
		JOIN pg_class rel ON rel.oid = con.conrelid
		JOIN pg_namespace ns ON ns.oid = rel.relnamespace
		JOIN unnest(con.conkey) WITH ORDINALITY AS ck(attnum, ord) ON true
		JOIN pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = ck.attnum
		LEFT JOIN pg_class frel ON frel.oid = con.confrelid
		LEFT JOIN pg_namespace fns ON fns.oid = frel.relnamespace
		LEFT JOIN unnest(con.confkey) WITH ORDINALITY AS fk(attnum, ord)
		       ON con.contype = 'f' AND fk.ord = ck.ord
		LEFT JOIN pg_attribute fatt ON fatt.attrelid = con.confrelid AND fatt.attnum = fk.attnum
		WHERE con.contype IN ('p', 'u', 'f')
		  AND ns.nspname NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate constraints: %w", err)
	}
	defer constraintRows.Close()

	if err := applyConstraints(constraintRows, index); err != nil {
		return nil, err
	}
	return entities, nil
}

func (d *Postgres) NormalizeType(raw string, lengthHint sql.NullInt64) (schema.ColumnType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	// udt_name carries a leading underscore for array element types.
	name = strings.TrimPrefix(name, "_")

	length := int64(math.MaxInt32)
	if lengthHint.Valid {
		length = lengthHint.Int64
	}

	switch name {
	case "varchar", "text", "name", "json", "jsonb", "xml", "citext", "inet", "cidr", "macaddr":
		return schema.StringType(false, length), nil
	case "bpchar", "char":
		return schema.StringType(true, length), nil
	case "uuid":
		return schema.StringType(true, 38), nil
	case "bool":
		return schema.BoolType(), nil
	case "int2":
		return schema.IntType(-32768, 32767), nil
	case "int4":
		return schema.IntType(math.MinInt32, math.MaxInt32), nil
	case "int8":
		return schema.IntType(math.MinInt64, math.MaxInt64), nil
	case "float4":
		return schema.FloatType(-math.MaxFloat32, math.MaxFloat32), nil
	case "float8", "numeric", "money":
		return schema.FloatType(-math.MaxFloat64, math.MaxFloat64), nil
	case "date":
		return schema.DateType(), nil
	case "timestamp", "timestamptz", "time", "timetz":
		return schema.TimestampType(), nil
	case "bytea":
		return schema.BlobType(math.MaxInt32), nil
	}

	return schema.ColumnType{}, &TypeMappingError{Dialect: d.Name(), Raw: raw}
}
