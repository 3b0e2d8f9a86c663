package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openbase-hq/openbase/internal/schema"
)

type SQLite struct{}

func (d *SQLite) Name() string   { return EngineSQLite }
func (d *SQLite) Driver() string { return "sqlite3" }

func (d *SQLite) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *SQLite) Placeholder() squirrel.PlaceholderFormat { return squirrel.Question }

func (d *SQLite) Pagination(limit, offset int, ordered bool) string {
	switch {
	case limit >= 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit >= 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case offset > 0:
		// SQLite requires a LIMIT before OFFSET; -1 means unlimited.
		return fmt.Sprintf("LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

// Introspect walks sqlite_master and the table PRAGMAs. The result is a
// single dummy entity, since SQLite has no database namespace.
func (d *SQLite) Introspect(ctx context.Context, db *sql.DB) ([]*schema.Entity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]*schema.Table, 0, len(names))
	for _, name := range names {
		tbl, err := d.introspectTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, tbl)
	}

	entity := schema.NewEntity("main", tables)
	entity.IsDummy = true
	return []*schema.Entity{entity}, nil
}

func (d *SQLite) introspectTable(ctx context.Context, db *sql.DB, tableName string) (*schema.Table, error) {
	quoted := d.QuoteIdentifier(tableName)

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoted))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info for %s: %w", tableName, err)
	}
	defer rows.Close()

	var columns []*schema.Column
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info for %s: %w", tableName, err)
		}
		normalized, err := d.NormalizeType(colType, sql.NullInt64{})
		if err != nil {
			return nil, err
		}
		columns = append(columns, &schema.Column{
			Name:         name,
			Type:         normalized,
			Nullable:     notNull == 0,
			DefaultValue: dflt.String,
			Position:     cid + 1,
			IsPrimaryKey: pk > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tbl := schema.NewTable(tableName, columns)

	fkRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoted))
	if err != nil {
		return nil, fmt.Errorf("failed to read foreign keys for %s: %w", tableName, err)
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key for %s: %w", tableName, err)
		}
		col, ok := tbl.Column(from)
		if !ok || !to.Valid {
			continue
		}
		col.ForeignKey = &schema.ForeignKey{
			TargetTable:   refTable,
			TargetColumn:  to.String,
			DisplayTable:  refTable,
			DisplayColumn: to.String,
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	if err := d.attachUniqueIndexes(ctx, db, tbl, quoted); err != nil {
		return nil, err
	}
	return tbl, nil
}

func (d *SQLite) attachUniqueIndexes(ctx context.Context, db *sql.DB, tbl *schema.Table, quoted string) error {
	idxRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoted))
	if err != nil {
		return fmt.Errorf("failed to read indexes for %s: %w", tbl.Name, err)
	}
	defer idxRows.Close()

	var uniqueIndexes []string
	for idxRows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := idxRows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return fmt.Errorf("failed to scan index list for %s: %w", tbl.Name, err)
		}
		if unique == 1 && partial == 0 {
			uniqueIndexes = append(uniqueIndexes, name)
		}
	}
	if err := idxRows.Err(); err != nil {
		return err
	}

	for _, idxName := range uniqueIndexes {
		infoRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", d.QuoteIdentifier(idxName)))
		if err != nil {
			return fmt.Errorf("failed to read index info for %s: %w", idxName, err)
		}
		for infoRows.Next() {
			var seqno, cid int
			var colName sql.NullString
			if err := infoRows.Scan(&seqno, &cid, &colName); err != nil {
				infoRows.Close()
				return fmt.Errorf("failed to scan index info for %s: %w", idxName, err)
			}
			if !colName.Valid {
				continue
			}
			if col, ok := tbl.Column(colName.String); ok {
				tbl.UniqueKeys[idxName] = append(tbl.UniqueKeys[idxName], col)
			}
		}
		if err := infoRows.Err(); err != nil {
			infoRows.Close()
			return err
		}
		infoRows.Close()
	}
	return nil
}

// NormalizeType maps declared SQLite types through the affinity buckets.
// SQLite stores whatever the writer supplies, so the declared type is a
// hint, not a guarantee; the buckets mirror the documented affinity rules.
func (d *SQLite) NormalizeType(raw string, _ sql.NullInt64) (schema.ColumnType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))

	switch {
	case name == "" || strings.Contains(name, "blob"):
		return schema.BlobType(math.MaxInt32), nil
	case strings.Contains(name, "bool"):
		return schema.BoolType(), nil
	case strings.Contains(name, "datetime") || strings.Contains(name, "timestamp"):
		return schema.TimestampType(), nil
	case strings.Contains(name, "date"):
		return schema.DateType(), nil
	case strings.Contains(name, "int"),
		strings.Contains(name, "numeric"), strings.Contains(name, "decimal"):
		return schema.IntType(math.MinInt32, math.MaxInt32), nil
	case strings.Contains(name, "char"), strings.Contains(name, "clob"), strings.Contains(name, "text"):
		fixed := strings.HasPrefix(name, "char") || strings.HasPrefix(name, "nchar")
		return schema.StringType(fixed, parenLength(name)), nil
	case strings.Contains(name, "real"), strings.Contains(name, "floa"), strings.Contains(name, "doub"):
		return schema.FloatType(-math.MaxFloat64, math.MaxFloat64), nil
	}

	return schema.ColumnType{}, &TypeMappingError{Dialect: d.Name(), Raw: raw}
}
