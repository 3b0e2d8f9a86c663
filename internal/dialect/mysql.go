package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"

	"github.com/openbase-hq/openbase/internal/schema"
)

// MySQL serves both MySQL and MariaDB.
type MySQL struct{}

func (d *MySQL) Name() string   { return EngineMySQL }
func (d *MySQL) Driver() string { return "mysql" }

func (d *MySQL) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *MySQL) Placeholder() squirrel.PlaceholderFormat { return squirrel.Question }

func (d *MySQL) Pagination(limit, offset int, ordered bool) string {
	switch {
	case limit >= 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit >= 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case offset > 0:
		// MySQL has no bare OFFSET clause.
		return fmt.Sprintf("LIMIT 18446744073709551615 OFFSET %d", offset)
	}
	return ""
}

func (d *MySQL) Introspect(ctx context.Context, db *sql.DB) ([]*schema.Entity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_schema, table_name, column_name, ordinal_position,
		       column_default, is_nullable, column_type
		FROM information_schema.columns
		WHERE table_schema NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')
		ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate columns: %w", err)
	}
	defer rows.Close()

	entities, index, err := d.collectColumns(rows)
	if err != nil {
		return nil, err
	}

	constraintRows, err := db.QueryContext(ctx, `
		SELECT cons.constraint_name, cons.table_schema, cons.table_name,
		       ks.column_name, cons.constraint_type,
		       ks.referenced_table_schema, ks.referenced_table_name, ks.referenced_column_name
		FROM information_schema.key_column_usage AS ks
		JOIN information_schema.table_constraints AS cons
		  ON cons.constraint_name = ks.constraint_name
		 AND cons.table_schema = ks.table_schema
		 AND cons.table_name = ks.table_name
		WHERE cons.table_schema NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate constraints: %w", err)
	}
	defer constraintRows.Close()

	if err := applyConstraints(constraintRows, index); err != nil {
		return nil, err
	}
	return entities, nil
}

// tableIndex locates a table by (entity name, table name) during constraint
// attachment.
type tableIndex map[string]map[string]*schema.Table

// collectColumns consumes an information_schema column listing shaped like
// (schema, table, column, position, default, nullable, type) and builds the
// entity tree. Shared with the Postgres introspector, whose listing is
// reshaped to the same layout.
func (d *MySQL) collectColumns(rows *sql.Rows) ([]*schema.Entity, tableIndex, error) {
	return collectColumns(rows, d.Name(), func(raw string, length sql.NullInt64) (schema.ColumnType, error) {
		return d.NormalizeType(raw, length)
	}, false)
}

func collectColumns(rows *sql.Rows, dialectName string, normalize func(string, sql.NullInt64) (schema.ColumnType, error), hasLength bool) ([]*schema.Entity, tableIndex, error) {
	type tableKey struct{ entity, table string }
	columnsByTable := make(map[tableKey][]*schema.Column)
	var order []tableKey

	for rows.Next() {
		var entityName, tableName, columnName, isNullable, columnType string
		var position int
		var columnDefault sql.NullString
		var charMaxLength sql.NullInt64

		var err error
		if hasLength {
			err = rows.Scan(&entityName, &tableName, &columnName, &position,
				&columnDefault, &isNullable, &columnType, &charMaxLength)
		} else {
			err = rows.Scan(&entityName, &tableName, &columnName, &position,
				&columnDefault, &isNullable, &columnType)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan column row: %w", err)
		}

		colType, err := normalize(columnType, charMaxLength)
		if err != nil {
			return nil, nil, err
		}

		key := tableKey{entityName, tableName}
		if _, seen := columnsByTable[key]; !seen {
			order = append(order, key)
		}
		columnsByTable[key] = append(columnsByTable[key], &schema.Column{
			Name:         columnName,
			Type:         colType,
			Nullable:     strings.EqualFold(isNullable, "YES") || isNullable == "1",
			DefaultValue: columnDefault.String,
			Position:     position,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%s: column listing failed: %w", dialectName, err)
	}

	tablesByEntity := make(map[string][]*schema.Table)
	var entityOrder []string
	index := make(tableIndex)
	for _, key := range order {
		if _, seen := index[key.entity]; !seen {
			index[key.entity] = make(map[string]*schema.Table)
			entityOrder = append(entityOrder, key.entity)
		}
		tbl := schema.NewTable(key.table, columnsByTable[key])
		index[key.entity][key.table] = tbl
		tablesByEntity[key.entity] = append(tablesByEntity[key.entity], tbl)
	}

	entities := make([]*schema.Entity, 0, len(entityOrder))
	for _, name := range entityOrder {
		entities = append(entities, schema.NewEntity(name, tablesByEntity[name]))
	}
	return entities, index, nil
}

// applyConstraints attaches primary/unique/foreign key rows shaped like
// (constraint, schema, table, column, type, ref schema, ref table, ref column)
// onto already-built columns.
func applyConstraints(rows *sql.Rows, index tableIndex) error {
	for rows.Next() {
		var constraintName, entityName, tableName, columnName, constraintType string
		var refEntity, refTable, refColumn sql.NullString

		if err := rows.Scan(&constraintName, &entityName, &tableName, &columnName,
			&constraintType, &refEntity, &refTable, &refColumn); err != nil {
			return fmt.Errorf("failed to scan constraint row: %w", err)
		}

		tables, ok := index[entityName]
		if !ok {
			continue
		}
		tbl, ok := tables[tableName]
		if !ok {
			continue
		}
		col, ok := tbl.Column(columnName)
		if !ok {
			continue
		}

		switch constraintType {
		case "PRIMARY KEY":
			col.IsPrimaryKey = true
			if tbl.PrimaryKey == nil {
				tbl.PrimaryKey = col
			}
		case "UNIQUE":
			tbl.UniqueKeys[constraintName] = append(tbl.UniqueKeys[constraintName], col)
		case "FOREIGN KEY":
			if refTable.Valid && refColumn.Valid {
				qualified := refTable.String
				if refEntity.Valid && refEntity.String != "" {
					qualified = refEntity.String + "." + refTable.String
				}
				col.ForeignKey = &schema.ForeignKey{
					TargetTable:   qualified,
					TargetColumn:  refColumn.String,
					DisplayTable:  qualified,
					DisplayColumn: refColumn.String,
				}
			}
		}
	}
	return rows.Err()
}

func (d *MySQL) NormalizeType(raw string, _ sql.NullInt64) (schema.ColumnType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))

	// tinyint(1) is the conventional MySQL boolean.
	if name == "tinyint(1)" || name == "tinyint(1) unsigned" {
		return schema.BoolType(), nil
	}
	if strings.HasPrefix(name, "varchar") {
		return schema.StringType(false, parenLength(name)), nil
	}
	if name == "json" || name == "" {
		return schema.StringType(false, math.MaxInt32), nil
	}
	if strings.HasPrefix(name, "varbinary") {
		return schema.BlobType(parenLength(name)), nil
	}
	if strings.HasPrefix(name, "enum") {
		// Lowercasing applies to the type name only, never the values.
		trimmed := strings.TrimSpace(raw)
		open, end := strings.Index(name, "("), strings.LastIndex(name, ")")
		if open == -1 || end <= open {
			return schema.ColumnType{}, &TypeMappingError{Dialect: d.Name(), Raw: raw}
		}
		parts := strings.Split(trimmed[open+1:end], ",")
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			values = append(values, strings.Trim(strings.TrimSpace(p), "'"))
		}
		return schema.EnumType(values), nil
	}
	if strings.HasPrefix(name, "char") {
		return schema.StringType(true, parenLength(name)), nil
	}

	unsigned := strings.Contains(name, "unsigned")
	// Width annotations are irrelevant past this point.
	if idx := strings.Index(name, "("); idx != -1 {
		name = name[:idx]
	}
	first, _, _ := strings.Cut(name, " ")

	switch first {
	case "timestamp", "datetime":
		return schema.TimestampType(), nil
	case "date":
		return schema.DateType(), nil
	case "tinyint":
		if unsigned {
			return schema.IntType(0, 255), nil
		}
		return schema.IntType(-128, 127), nil
	case "smallint":
		if unsigned {
			return schema.IntType(0, 65535), nil
		}
		return schema.IntType(-32768, 32767), nil
	case "mediumint":
		if unsigned {
			return schema.IntType(0, 16777215), nil
		}
		return schema.IntType(-8388608, 8388607), nil
	case "int":
		if unsigned {
			return schema.IntType(0, 4294967295), nil
		}
		return schema.IntType(math.MinInt32, math.MaxInt32), nil
	case "bigint":
		if unsigned {
			return schema.IntType(0, math.MaxUint64), nil
		}
		return schema.IntType(math.MinInt64, math.MaxInt64), nil
	case "float", "numeric":
		return schema.FloatType(-math.MaxFloat32, math.MaxFloat32), nil
	case "double", "decimal":
		return schema.FloatType(-math.MaxFloat64, math.MaxFloat64), nil
	case "tinyblob":
		return schema.BlobType(255), nil
	case "blob":
		return schema.BlobType(65535), nil
	case "mediumblob":
		return schema.BlobType(16777215), nil
	case "longblob":
		return schema.BlobType(4294967295), nil
	case "tinytext":
		return schema.StringType(false, 255), nil
	case "text":
		return schema.StringType(false, 65535), nil
	case "mediumtext":
		return schema.StringType(false, 16777215), nil
	case "longtext":
		return schema.StringType(false, 4294967295), nil
	}

	return schema.ColumnType{}, &TypeMappingError{Dialect: d.Name(), Raw: raw}
}

// parenLength extracts n from "name(n)", defaulting to a 32-bit cap when the
// parenthesized length is absent or malformed.
func parenLength(name string) int64 {
	open := strings.Index(name, "(")
	end := strings.Index(name, ")")
	if open == -1 || end <= open+1 {
		return math.MaxInt32
	}
	n, err := strconv.ParseInt(name[open+1:end], 10, 64)
	if err != nil {
		return math.MaxInt32
	}
	return n
}
