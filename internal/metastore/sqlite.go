package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports a lookup that matched no record.
var ErrNotFound = errors.New("metastore: record not found")

// SQLiteStore persists the mirror in a local SQLite file, separate from any
// registered data source.
type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS data_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		engine TEXT NOT NULL,
		config_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id INTEGER NOT NULL REFERENCES data_sources(id),
		name TEXT NOT NULL,
		is_dummy INTEGER NOT NULL DEFAULT 0,
		UNIQUE(source_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tables (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL REFERENCES entities(id),
		name TEXT NOT NULL,
		UNIQUE(entity_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS columns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_id INTEGER NOT NULL REFERENCES tables(id),
		name TEXT NOT NULL,
		type_json TEXT NOT NULL,
		position INTEGER NOT NULL,
		is_primary_key INTEGER NOT NULL DEFAULT 0,
		nullable INTEGER NOT NULL DEFAULT 0,
		fk_column_id INTEGER REFERENCES columns(id),
		fk_display_column_id INTEGER REFERENCES columns(id),
		UNIQUE(table_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role_id INTEGER NOT NULL REFERENCES roles(id),
		column_id INTEGER NOT NULL REFERENCES columns(id),
		flags INTEGER NOT NULL DEFAULT 0,
		UNIQUE(role_id, column_id)
	)`,
	`CREATE TABLE IF NOT EXISTS form_fields (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		column_id INTEGER NOT NULL REFERENCES columns(id),
		label TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS api_columns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		column_id INTEGER NOT NULL REFERENCES columns(id),
		alias TEXT NOT NULL
	)`,
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize metadata store: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(s.db)
}

func (s *SQLiteStore) CreateDataSource(ctx context.Context, name, engine, configJSON string) (int64, error) {
	res, err := s.builder().
		Insert("data_sources").
		Columns("name", "engine", "config_json").
		Values(name, engine, configJSON).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create data source %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) DataSourceByName(ctx context.Context, name string) (*DataSourceRec, error) {
	var rec DataSourceRec
	err := s.builder().
		Select("id", "name", "engine", "config_json").
		From("data_sources").
		Where(sq.Eq{"name": name}).
		QueryRowContext(ctx).
		Scan(&rec.ID, &rec.Name, &rec.Engine, &rec.ConfigJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) ListDataSources(ctx context.Context) ([]DataSourceRec, error) {
	rows, err := s.builder().
		Select("id", "name", "engine", "config_json").
		From("data_sources").
		OrderBy("name").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []DataSourceRec
	for rows.Next() {
		var rec DataSourceRec
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Engine, &rec.ConfigJSON); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) UpdateDataSourceConfig(ctx context.Context, id int64, configJSON string) error {
	_, err := s.builder().
		Update("data_sources").
		Set("config_json", configJSON).
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	return err
}

func (s *SQLiteStore) DeleteDataSource(ctx context.Context, id int64) error {
	entities, err := s.EntitiesBySource(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if err := s.DeleteEntity(ctx, e.ID); err != nil {
			return err
		}
	}
	_, err = s.builder().Delete("data_sources").Where(sq.Eq{"id": id}).ExecContext(ctx)
	return err
}

func (s *SQLiteStore) CreateEntity(ctx context.Context, sourceID int64, name string, isDummy bool) (int64, error) {
	res, err := s.builder().
		Insert("entities").
		Columns("source_id", "name", "is_dummy").
		Values(sourceID, name, isDummy).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create entity %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Entity(ctx context.Context, id int64) (*EntityRec, error) {
	var rec EntityRec
	err := s.builder().
		Select("id", "source_id", "name", "is_dummy").
		From("entities").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx).
		Scan(&rec.ID, &rec.SourceID, &rec.Name, &rec.IsDummy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) EntitiesBySource(ctx context.Context, sourceID int64) ([]EntityRec, error) {
	rows, err := s.builder().
		Select("id", "source_id", "name", "is_dummy").
		From("entities").
		Where(sq.Eq{"source_id": sourceID}).
		OrderBy("name").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EntityRec
	for rows.Next() {
		var rec EntityRec
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.Name, &rec.IsDummy); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteEntity(ctx context.Context, id int64) error {
	tables, err := s.TablesByEntity(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := s.DeleteTable(ctx, t.ID); err != nil {
			return err
		}
	}
	_, err = s.builder().Delete("entities").Where(sq.Eq{"id": id}).ExecContext(ctx)
	return err
}

func (s *SQLiteStore) CreateTable(ctx context.Context, entityID int64, name string) (int64, error) {
	res, err := s.builder().
		Insert("tables").
		Columns("entity_id", "name").
		Values(entityID, name).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create table %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Table(ctx context.Context, id int64) (*TableRec, error) {
	var rec TableRec
	err := s.builder().
		Select("id", "entity_id", "name").
		From("tables").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx).
		Scan(&rec.ID, &rec.EntityID, &rec.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) TablesByEntity(ctx context.Context, entityID int64) ([]TableRec, error) {
	rows, err := s.builder().
		Select("id", "entity_id", "name").
		From("tables").
		Where(sq.Eq{"entity_id": entityID}).
		OrderBy("name").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TableRec
	for rows.Next() {
		var rec TableRec
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Name); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteTable(ctx context.Context, id int64) error {
	cols, err := s.ColumnsByTable(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if err := s.DeleteColumn(ctx, c.ID); err != nil {
			return err
		}
	}
	_, err = s.builder().Delete("tables").Where(sq.Eq{"id": id}).ExecContext(ctx)
	return err
}

var columnFields = []string{
	"id", "table_id", "name", "type_json", "position",
	"is_primary_key", "nullable", "fk_column_id", "fk_display_column_id",
}

func scanColumn(row sq.RowScanner) (*ColumnRec, error) {
	var rec ColumnRec
	err := row.Scan(&rec.ID, &rec.TableID, &rec.Name, &rec.TypeJSON, &rec.Position,
		&rec.IsPrimaryKey, &rec.Nullable, &rec.FKColumnID, &rec.FKDisplayColumnID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) CreateColumn(ctx context.Context, rec *ColumnRec) (int64, error) {
	res, err := s.builder().
		Insert("columns").
		Columns("table_id", "name", "type_json", "position", "is_primary_key", "nullable",
			"fk_column_id", "fk_display_column_id").
		Values(rec.TableID, rec.Name, rec.TypeJSON, rec.Position, rec.IsPrimaryKey, rec.Nullable,
			rec.FKColumnID, rec.FKDisplayColumnID).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create column %q: %w", rec.Name, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ColumnsByTable(ctx context.Context, tableID int64) ([]ColumnRec, error) {
	rows, err := s.builder().
		Select(columnFields...).
		From("columns").
		Where(sq.Eq{"table_id": tableID}).
		OrderBy("position").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ColumnRec
	for rows.Next() {
		var rec ColumnRec
		if err := rows.Scan(&rec.ID, &rec.TableID, &rec.Name, &rec.TypeJSON, &rec.Position,
			&rec.IsPrimaryKey, &rec.Nullable, &rec.FKColumnID, &rec.FKDisplayColumnID); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Column(ctx context.Context, id int64) (*ColumnRec, error) {
	return scanColumn(s.builder().
		Select(columnFields...).
		From("columns").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx))
}

func (s *SQLiteStore) FindColumn(ctx context.Context, sourceID int64, entityName, tableName, columnName string) (*ColumnRec, error) {
	b := s.builder().
		Select(
			"c.id", "c.table_id", "c.name", "c.type_json", "c.position",
			"c.is_primary_key", "c.nullable", "c.fk_column_id", "c.fk_display_column_id",
		).
		From("columns c").
		Join("tables t ON t.id = c.table_id").
		Join("entities e ON e.id = t.entity_id").
		Where(sq.Eq{
			"e.source_id": sourceID,
			"e.name":      entityName,
			"t.name":      tableName,
			"c.name":      columnName,
		})
	return scanColumn(b.QueryRowContext(ctx))
}

func (s *SQLiteStore) UpdateColumn(ctx context.Context, rec *ColumnRec) error {
	_, err := s.builder().
		Update("columns").
		Set("type_json", rec.TypeJSON).
		Set("position", rec.Position).
		Set("is_primary_key", rec.IsPrimaryKey).
		Set("nullable", rec.Nullable).
		Set("fk_column_id", rec.FKColumnID).
		Set("fk_display_column_id", rec.FKDisplayColumnID).
		Where(sq.Eq{"id": rec.ID}).
		ExecContext(ctx)
	return err
}

func (s *SQLiteStore) SetColumnForeignKey(ctx context.Context, columnID, targetColumnID, displayColumnID int64) error {
	_, err := s.builder().
		Update("columns").
		Set("fk_column_id", targetColumnID).
		Set("fk_display_column_id", displayColumnID).
		Where(sq.Eq{"id": columnID}).
		ExecContext(ctx)
	return err
}

func (s *SQLiteStore) ClearColumnForeignKey(ctx context.Context, columnID int64) error {
	_, err := s.builder().
		Update("columns").
		Set("fk_column_id", nil).
		Set("fk_display_column_id", nil).
		Where(sq.Eq{"id": columnID}).
		ExecContext(ctx)
	return err
}

func (s *SQLiteStore) SetForeignKeyDisplay(ctx context.Context, columnID, displayColumnID int64) error {
	res, err := s.builder().
		Update("columns").
		Set("fk_display_column_id", displayColumnID).
		Where(sq.Eq{"id": columnID}).
		Where(sq.NotEq{"fk_column_id": nil}).
		ExecContext(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("column %d carries no foreign key", columnID)
	}
	return nil
}

// DeleteColumn cascades through everything that references the column:
// permission rows, form fields, API exposures, then inbound FK links, which
// are nullified rather than deleted.
func (s *SQLiteStore) DeleteColumn(ctx context.Context, id int64) error {
	b := s.builder()
	if _, err := b.Delete("permissions").Where(sq.Eq{"column_id": id}).ExecContext(ctx); err != nil {
		return err
	}
	if _, err := b.Delete("form_fields").Where(sq.Eq{"column_id": id}).ExecContext(ctx); err != nil {
		return err
	}
	if _, err := b.Delete("api_columns").Where(sq.Eq{"column_id": id}).ExecContext(ctx); err != nil {
		return err
	}
	if _, err := b.Update("columns").
		Set("fk_column_id", nil).
		Set("fk_display_column_id", nil).
		Where(sq.Eq{"fk_column_id": id}).
		ExecContext(ctx); err != nil {
		return err
	}
	if _, err := b.Update("columns").
		Set("fk_display_column_id", nil).
		Where(sq.Eq{"fk_display_column_id": id}).
		ExecContext(ctx); err != nil {
		return err
	}
	_, err := b.Delete("columns").Where(sq.Eq{"id": id}).ExecContext(ctx)
	return err
}

func (s *SQLiteStore) CreateRole(ctx context.Context, name string) (int64, error) {
	res, err := s.builder().
		Insert("roles").
		Columns("name").
		Values(name).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create role %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) RoleByName(ctx context.Context, name string) (*RoleRec, error) {
	var rec RoleRec
	err := s.builder().
		Select("id", "name").
		From("roles").
		Where(sq.Eq{"name": name}).
		QueryRowContext(ctx).
		Scan(&rec.ID, &rec.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) ListRoles(ctx context.Context) ([]RoleRec, error) {
	rows, err := s.builder().
		Select("id", "name").
		From("roles").
		OrderBy("name").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RoleRec
	for rows.Next() {
		var rec RoleRec
		if err := rows.Scan(&rec.ID, &rec.Name); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteRole(ctx context.Context, id int64) error {
	if _, err := s.builder().Delete("permissions").Where(sq.Eq{"role_id": id}).ExecContext(ctx); err != nil {
		return err
	}
	_, err := s.builder().Delete("roles").Where(sq.Eq{"id": id}).ExecContext(ctx)
	return err
}

// AddPermissionRecords creates a zero-flag permission row for every role and
// column pairing that lacks one.
func (s *SQLiteStore) AddPermissionRecords(ctx context.Context, roleIDs, columnIDs []int64) error {
	if len(roleIDs) == 0 || len(columnIDs) == 0 {
		return nil
	}
	b := s.builder().
		Insert("permissions").
		Columns("role_id", "column_id", "flags").
		Suffix("ON CONFLICT(role_id, column_id) DO NOTHING")
	for _, roleID := range roleIDs {
		for _, columnID := range columnIDs {
			b = b.Values(roleID, columnID, 0)
		}
	}
	_, err := b.ExecContext(ctx)
	return err
}

func (s *SQLiteStore) SetPermission(ctx context.Context, roleID, columnID int64, flags int) error {
	_, err := s.builder().
		Insert("permissions").
		Columns("role_id", "column_id", "flags").
		Values(roleID, columnID, flags).
		Suffix("ON CONFLICT(role_id, column_id) DO UPDATE SET flags = excluded.flags").
		ExecContext(ctx)
	return err
}

func (s *SQLiteStore) PermissionsForRole(ctx context.Context, roleID int64) ([]PermissionRec, error) {
	rows, err := s.builder().
		Select("id", "role_id", "column_id", "flags").
		From("permissions").
		Where(sq.Eq{"role_id": roleID}).
		OrderBy("column_id").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PermissionRec
	for rows.Next() {
		var rec PermissionRec
		if err := rows.Scan(&rec.ID, &rec.RoleID, &rec.ColumnID, &rec.Flags); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) CreateFormField(ctx context.Context, rec *FormFieldRec) (int64, error) {
	res, err := s.builder().
		Insert("form_fields").
		Columns("column_id", "label", "position").
		Values(rec.ColumnID, rec.Label, rec.Position).
		ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) FormFieldsByColumn(ctx context.Context, columnID int64) ([]FormFieldRec, error) {
	rows, err := s.builder().
		Select("id", "column_id", "label", "position").
		From("form_fields").
		Where(sq.Eq{"column_id": columnID}).
		OrderBy("position").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FormFieldRec
	for rows.Next() {
		var rec FormFieldRec
		if err := rows.Scan(&rec.ID, &rec.ColumnID, &rec.Label, &rec.Position); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) CreateAPIColumn(ctx context.Context, rec *APIColumnRec) (int64, error) {
	res, err := s.builder().
		Insert("api_columns").
		Columns("column_id", "alias").
		Values(rec.ColumnID, rec.Alias).
		ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) APIColumnsByColumn(ctx context.Context, columnID int64) ([]APIColumnRec, error) {
	rows, err := s.builder().
		Select("id", "column_id", "alias").
		From("api_columns").
		Where(sq.Eq{"column_id": columnID}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []APIColumnRec
	for rows.Next() {
		var rec APIColumnRec
		if err := rows.Scan(&rec.ID, &rec.ColumnID, &rec.Alias); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
