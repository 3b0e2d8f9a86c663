package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/squirrel"
	_ "github.com/denisenkom/go-mssqldb"

	"github.com/openbase-hq/openbase/internal/schema"
)

type MSSQL struct{}

func (d *MSSQL) Name() string   { return EngineMSSQL }
func (d *MSSQL) Driver() string { return "sqlserver" }

func (d *MSSQL) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *MSSQL) Placeholder() squirrel.PlaceholderFormat { return squirrel.AtP }

// Pagination renders OFFSET ... FETCH, which SQL Server only accepts after an
// ORDER BY. Unordered statements get the constant ORDER BY (SELECT NULL).
func (d *MSSQL) Pagination(limit, offset int, ordered bool) string {
	if limit < 0 && offset <= 0 {
		return ""
	}
	var b strings.Builder
	if !ordered {
		b.WriteString("ORDER BY (SELECT NULL) ")
	}
	fmt.Fprintf(&b, "OFFSET %d ROWS", offset)
	if limit >= 0 {
		fmt.Fprintf(&b, " FETCH NEXT %d ROWS ONLY", limit)
	}
	return b.String()
}

// Introspect maps SQL Server schemas (dbo and friends) within the connected
// database onto entities.
func (d *MSSQL) Introspect(ctx context.Context, db *sql.DB) ([]*schema.Entity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.TABLE_SCHEMA, c.TABLE_NAME, c.COLUMN_NAME, c.ORDINAL_POSITION,
		       c.COLUMN_DEFAULT, c.IS_NULLABLE, c.DATA_TYPE, c.CHARACTER_MAXIMUM_LENGTH
		FROM INFORMATION_SCHEMA.COLUMNS c
		JOIN INFORMATION_SCHEMA.TABLES t
		  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
		WHERE t.TABLE_TYPE = 'BASE TABLE'
		  AND c.TABLE_SCHEMA NOT IN ('sys', 'INFORMATION_SCHEMA')
		ORDER BY c.TABLE_SCHEMA, c.TABLE_NAME, c.ORDINAL_POSITION`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate columns: %w", err)
	}
	defer rows.Close()

	entities, index, err := collectColumns(rows, d.Name(), d.NormalizeType, true)
	if err != nil {
		return nil, err
	}

	constraintRows, err := db.QueryContext(ctx, `
		SELECT tc.CONSTRAINT_NAME, kcu.TABLE_SCHEMA, kcu.TABLE_NAME, kcu.COLUMN_NAME,
		       tc.CONSTRAINT_TYPE, NULL, NULL, NULL
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		  ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		 AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
		WHERE tc.CONSTRAINT_TYPE IN ('PRIMARY KEY', 'UNIQUE')
		  AND tc.TABLE_SCHEMA NOT IN ('sys', 'INFORMATION_SCHEMA')`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate key constraints: %w", err)
	}
	defer constraintRows.Close()

	if err := applyConstraints(constraintRows, index); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, `
		SELECT rc.CONSTRAINT_NAME, kcu1.TABLE_SCHEMA, kcu1.TABLE_NAME, kcu1.COLUMN_NAME,
		       'FOREIGN KEY', kcu2.TABLE_SCHEMA, kcu2.TABLE_NAME, kcu2.COLUMN_NAME
		FROM INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu1
		  ON kcu1.CONSTRAINT_NAME = rc.CONSTRAINT_NAME
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu2
		  ON kcu2.CONSTRAINT_NAME = rc.UNIQUE_CONSTRAINT_NAME
		 AND kcu2.ORDINAL_POSITION = kcu1.ORDINAL_POSITION
		WHERE kcu1.TABLE_SCHEMA NOT IN ('sys', 'INFORMATION_SCHEMA')`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate foreign keys: %w", err)
	}
	defer fkRows.Close()

	if err := applyConstraints(fkRows, index); err != nil {
		return nil, err
	}
	return entities, nil
}

func (d *MSSQL) NormalizeType(raw string, lengthHint sql.NullInt64) (schema.ColumnType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))

	length := int64(math.MaxInt32)
	if lengthHint.Valid && lengthHint.Int64 > 0 {
		length = lengthHint.Int64
	}

	switch name {
	case "varchar", "nvarchar", "text", "ntext", "xml", "sysname":
		return schema.StringType(false, length), nil
	case "char", "nchar":
		return schema.StringType(true, length), nil
	case "uniqueidentifier":
		return schema.StringType(true, 38), nil
	case "bit":
		return schema.BoolType(), nil
	case "tinyint":
		return schema.IntType(0, 255), nil
	case "smallint":
		return schema.IntType(-32768, 32767), nil
	case "int":
		return schema.IntType(math.MinInt32, math.MaxInt32), nil
	case "bigint":
		return schema.IntType(math.MinInt64, math.MaxInt64), nil
	case "real":
		return schema.FloatType(-math.MaxFloat32, math.MaxFloat32), nil
	case "float", "decimal", "numeric", "money", "smallmoney":
		return schema.FloatType(-math.MaxFloat64, math.MaxFloat64), nil
	case "date":
		return schema.DateType(), nil
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset", "time", "timestamp", "rowversion":
		return schema.TimestampType(), nil
	case "binary", "varbinary", "image":
		return schema.BlobType(length), nil
	}

	return schema.ColumnType{}, &TypeMappingError{Dialect: d.Name(), Raw: raw}
}
