package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/openbase-hq/openbase/internal/connection"
	"github.com/openbase-hq/openbase/internal/dialect"
	"github.com/openbase-hq/openbase/internal/schema"
)

// Aliases used inside generated fetch statements. They only exist between
// statement build and row post-processing; callers never see them.
const (
	baseAlias         = "_ftable_"
	refAliasPrefix    = "_reftable_"
	fkIDAliasPrefix   = "_fkeyselect_"
	fkDispAliasPrefix = "_fkeydisplay_"
)

// ValidationError reports a caller-side usage error, such as an insert with
// required columns missing. It is an expected failure, not an internal one.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// FetchOptions shape one fetch statement. A Limit of zero or below means
// unlimited, so the zero value fetches everything. Filters are AND-combined;
// there is no OR path.
type FetchOptions struct {
	Columns  []*schema.Column
	Filters  []schema.Filter
	Ordering []schema.Ordering
	Limit    int
	Offset   int
}

func (d *Database) ready() (*connection.Connection, dialect.Dialect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited || d.conn == nil {
		return nil, nil, fmt.Errorf("source %q is not initialized", d.Name)
	}
	return d.conn, d.conn.Dialect(), nil
}

func quoteQualified(dl dialect.Dialect, qualified string) string {
	parts := strings.SplitN(qualified, ".", 2)
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = dl.QuoteIdentifier(part)
	}
	return strings.Join(quoted, ".")
}

// Fetch selects the requested columns from one table. Every requested column
// that carries a foreign key is left-joined against its display table and
// comes back as an FKValue composite instead of the raw value.
func (d *Database) Fetch(ctx context.Context, table *schema.Table, opts FetchOptions) ([]map[string]any, error) {
	conn, dl, err := d.ready()
	if err != nil {
		return nil, err
	}
	if len(opts.Columns) == 0 {
		opts.Columns = table.Columns()
	}

	base := dl.QuoteIdentifier(baseAlias)
	var selects []string
	var joins []string
	var fkColumns []*schema.Column

	for _, col := range opts.Columns {
		quotedCol := dl.QuoteIdentifier(col.Name)
		if col.ForeignKey == nil {
			selects = append(selects, fmt.Sprintf("%s.%s AS %s", base, quotedCol, quotedCol))
			continue
		}
		fk := col.ForeignKey
		refAlias := dl.QuoteIdentifier(refAliasPrefix + col.Name)
		selects = append(selects,
			fmt.Sprintf("%s.%s AS %s", base, quotedCol, dl.QuoteIdentifier(fkIDAliasPrefix+col.Name)),
			fmt.Sprintf("%s.%s AS %s", refAlias, dl.QuoteIdentifier(fk.DisplayColumn), dl.QuoteIdentifier(fkDispAliasPrefix+col.Name)),
		)
		joins = append(joins, fmt.Sprintf("%s AS %s ON %s.%s = %s.%s",
			quoteQualified(dl, fk.DisplayTable), refAlias,
			refAlias, dl.QuoteIdentifier(fk.TargetColumn),
			base, quotedCol))
		fkColumns = append(fkColumns, col)
	}

	q := sq.StatementBuilder.
		PlaceholderFormat(dl.Placeholder()).
		Select(selects...).
		From(fmt.Sprintf("%s AS %s", quoteQualified(dl, table.QualifiedName()), base))
	for _, join := range joins {
		q = q.LeftJoin(join)
	}
	for _, f := range opts.Filters {
		if !f.Operator.Valid() {
			return nil, &ValidationError{Msg: fmt.Sprintf("invalid filter operator %q", f.Operator)}
		}
		q = q.Where(sq.Expr(
			fmt.Sprintf("%s.%s %s ?", base, dl.QuoteIdentifier(f.Column.Name), f.Operator.SQL()),
			f.Value))
	}
	for _, ord := range opts.Ordering {
		dir := "ASC"
		if ord.Desc {
			dir = "DESC"
		}
		q = q.OrderBy(fmt.Sprintf("%s.%s %s", base, dl.QuoteIdentifier(ord.Column.Name), dir))
	}
	limit := opts.Limit
	if limit == 0 {
		limit = -1
	}
	if clause := dl.Pagination(limit, opts.Offset, len(opts.Ordering) > 0); clause != "" {
		q = q.Suffix(clause)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch statement: %w", err)
	}
	rows, err := conn.DB().QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch on %s failed: %w", table.QualifiedName(), err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	foldForeignKeys(result, fkColumns)
	return result, nil
}

// foldForeignKeys replaces the temporary id/display alias pair with one
// FKValue per foreign-key column. The raw aliased fields never escape.
func foldForeignKeys(rows []map[string]any, fkColumns []*schema.Column) {
	for _, row := range rows {
		for _, col := range fkColumns {
			id := row[fkIDAliasPrefix+col.Name]
			display := row[fkDispAliasPrefix+col.Name]
			delete(row, fkIDAliasPrefix+col.Name)
			delete(row, fkDispAliasPrefix+col.Name)
			if id == nil {
				row[col.Name] = nil
				continue
			}
			row[col.Name] = schema.FKValue{ID: id, Display: display}
		}
	}
}

// Insert writes one row. Every non-primary-key column of the table must be
// present in values; callers supply defaults beforehand. Nothing is written
// on a validation failure.
func (d *Database) Insert(ctx context.Context, table *schema.Table, values map[string]any) error {
	conn, dl, err := d.ready()
	if err != nil {
		return err
	}

	for _, col := range table.Columns() {
		if col.IsPrimaryKey {
			continue
		}
		if _, present := values[col.Name]; !present {
			return &ValidationError{Msg: fmt.Sprintf("insert into %s missing column %q", table.QualifiedName(), col.Name)}
		}
	}

	var cols []string
	var vals []any
	for _, col := range table.Columns() {
		if v, present := values[col.Name]; present {
			cols = append(cols, dl.QuoteIdentifier(col.Name))
			vals = append(vals, v)
		}
	}
	q := sq.StatementBuilder.
		PlaceholderFormat(dl.Placeholder()).
		Insert(quoteQualified(dl, table.QualifiedName())).
		Columns(cols...).
		Values(vals...)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert statement: %w", err)
	}
	if _, err := conn.DB().ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert into %s failed: %w", table.QualifiedName(), err)
	}
	return nil
}

// Update rewrites one row keyed by the table's primary key.
func (d *Database) Update(ctx context.Context, table *schema.Table, id any, values map[string]any) error {
	conn, dl, err := d.ready()
	if err != nil {
		return err
	}
	if table.PrimaryKey == nil {
		return &ValidationError{Msg: fmt.Sprintf("table %s has no primary key", table.QualifiedName())}
	}
	if len(values) == 0 {
		return &ValidationError{Msg: "update requires at least one column value"}
	}

	q := sq.StatementBuilder.
		PlaceholderFormat(dl.Placeholder()).
		Update(quoteQualified(dl, table.QualifiedName()))
	for _, col := range table.Columns() {
		if v, present := values[col.Name]; present {
			q = q.Set(dl.QuoteIdentifier(col.Name), v)
		}
	}
	q = q.Where(sq.Expr(fmt.Sprintf("%s = ?", dl.QuoteIdentifier(table.PrimaryKey.Name)), id))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update statement: %w", err)
	}
	if _, err := conn.DB().ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("update of %s failed: %w", table.QualifiedName(), err)
	}
	return nil
}

// Delete removes one row keyed by the table's primary key.
func (d *Database) Delete(ctx context.Context, table *schema.Table, id any) error {
	conn, dl, err := d.ready()
	if err != nil {
		return err
	}
	if table.PrimaryKey == nil {
		return &ValidationError{Msg: fmt.Sprintf("table %s has no primary key", table.QualifiedName())}
	}

	q := sq.StatementBuilder.
		PlaceholderFormat(dl.Placeholder()).
		Delete(quoteQualified(dl, table.QualifiedName())).
		Where(sq.Expr(fmt.Sprintf("%s = ?", dl.QuoteIdentifier(table.PrimaryKey.Name)), id))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete statement: %w", err)
	}
	if _, err := conn.DB().ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete from %s failed: %w", table.QualifiedName(), err)
	}
	return nil
}

// Count returns the row count, optionally narrowed by filters.
func (d *Database) Count(ctx context.Context, table *schema.Table, filters ...schema.Filter) (int64, error) {
	conn, dl, err := d.ready()
	if err != nil {
		return 0, err
	}

	q := sq.StatementBuilder.
		PlaceholderFormat(dl.Placeholder()).
		Select("COUNT(*)").
		From(quoteQualified(dl, table.QualifiedName()))
	for _, f := range filters {
		if !f.Operator.Valid() {
			return 0, &ValidationError{Msg: fmt.Sprintf("invalid filter operator %q", f.Operator)}
		}
		q = q.Where(sq.Expr(
			fmt.Sprintf("%s %s ?", dl.QuoteIdentifier(f.Column.Name), f.Operator.SQL()),
			f.Value))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count statement: %w", err)
	}
	var n int64
	if err := conn.DB().QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count on %s failed: %w", table.QualifiedName(), err)
	}
	return n, nil
}

// FetchForeignKeyDisplays returns the distinct {id, display} pairs reachable
// through each given foreign-key column, deduplicated by id. Passing a
// column without a foreign key is a caller error.
func (d *Database) FetchForeignKeyDisplays(ctx context.Context, table *schema.Table, columns []*schema.Column) (map[string][]schema.FKValue, error) {
	conn, dl, err := d.ready()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]schema.FKValue, len(columns))
	for _, col := range columns {
		if col.ForeignKey == nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("column %q is not a foreign key", col.Name)}
		}
		fk := col.ForeignKey

		q := sq.StatementBuilder.
			PlaceholderFormat(dl.Placeholder()).
			Select(
				fmt.Sprintf("%s AS %s", dl.QuoteIdentifier(fk.TargetColumn), dl.QuoteIdentifier("id")),
				fmt.Sprintf("%s AS %s", dl.QuoteIdentifier(fk.DisplayColumn), dl.QuoteIdentifier("display")),
			).
			From(quoteQualified(dl, fk.DisplayTable))

		sqlStr, args, err := q.ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build display statement: %w", err)
		}
		rows, err := conn.DB().QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("display fetch for %s failed: %w", col.Name, err)
		}

		seen := make(map[any]bool)
		var pairs []schema.FKValue
		for rows.Next() {
			var id, display any
			if err := rows.Scan(&id, &display); err != nil {
				rows.Close()
				return nil, err
			}
			id = normalizeValue(id)
			if seen[id] {
				continue
			}
			seen[id] = true
			pairs = append(pairs, schema.FKValue{ID: id, Display: normalizeValue(display)})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		out[col.Name] = pairs
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// normalizeValue unwraps driver byte slices into strings so values compare
// and render predictably across engines.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
