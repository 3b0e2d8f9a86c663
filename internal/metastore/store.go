// Package metastore persists the metadata mirror: surrogate-keyed copies of
// every introspected entity, table and column, plus the roles, permissions
// and UI records hung off them.
package metastore

import (
	"context"
	"database/sql"
)

// DataSourceRec is one registered source. ConfigJSON holds the connection
// configuration as persisted, credentials included.
type DataSourceRec struct {
	ID         int64
	Name       string
	Engine     string
	ConfigJSON string
}

type EntityRec struct {
	ID       int64
	SourceID int64
	Name     string
	IsDummy  bool
}

type TableRec struct {
	ID       int64
	EntityID int64
	Name     string
}

// ColumnRec mirrors one live column. FKColumnID points at the referenced
// column's surrogate ID, FKDisplayColumnID at the column shown in its place;
// both are null for non-FK columns.
type ColumnRec struct {
	ID                int64
	TableID           int64
	Name              string
	TypeJSON          string
	Position          int
	IsPrimaryKey      bool
	Nullable          bool
	FKColumnID        sql.NullInt64
	FKDisplayColumnID sql.NullInt64
}

type RoleRec struct {
	ID   int64
	Name string
}

// PermissionRec grants a role access to a column. Flags is a CRUD bitmask;
// a zero value means the row exists but grants nothing yet.
type PermissionRec struct {
	ID       int64
	RoleID   int64
	ColumnID int64
	Flags    int
}

// FormFieldRec places a column on a generated edit form.
type FormFieldRec struct {
	ID       int64
	ColumnID int64
	Label    string
	Position int
}

// APIColumnRec exposes a column through the generated API under an alias.
type APIColumnRec struct {
	ID       int64
	ColumnID int64
	Alias    string
}

// Store is the persistence boundary for the metadata mirror. Deletions
// cascade through dependent records so callers never orphan permission or
// UI rows.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	CreateDataSource(ctx context.Context, name, engine, configJSON string) (int64, error)
	DataSourceByName(ctx context.Context, name string) (*DataSourceRec, error)
	ListDataSources(ctx context.Context) ([]DataSourceRec, error)
	UpdateDataSourceConfig(ctx context.Context, id int64, configJSON string) error
	DeleteDataSource(ctx context.Context, id int64) error

	CreateEntity(ctx context.Context, sourceID int64, name string, isDummy bool) (int64, error)
	Entity(ctx context.Context, id int64) (*EntityRec, error)
	EntitiesBySource(ctx context.Context, sourceID int64) ([]EntityRec, error)
	DeleteEntity(ctx context.Context, id int64) error

	CreateTable(ctx context.Context, entityID int64, name string) (int64, error)
	Table(ctx context.Context, id int64) (*TableRec, error)
	TablesByEntity(ctx context.Context, entityID int64) ([]TableRec, error)
	DeleteTable(ctx context.Context, id int64) error

	CreateColumn(ctx context.Context, rec *ColumnRec) (int64, error)
	ColumnsByTable(ctx context.Context, tableID int64) ([]ColumnRec, error)
	Column(ctx context.Context, id int64) (*ColumnRec, error)
	FindColumn(ctx context.Context, sourceID int64, entityName, tableName, columnName string) (*ColumnRec, error)
	UpdateColumn(ctx context.Context, rec *ColumnRec) error
	SetColumnForeignKey(ctx context.Context, columnID, targetColumnID, displayColumnID int64) error
	ClearColumnForeignKey(ctx context.Context, columnID int64) error
	SetForeignKeyDisplay(ctx context.Context, columnID, displayColumnID int64) error
	DeleteColumn(ctx context.Context, id int64) error

	CreateRole(ctx context.Context, name string) (int64, error)
	RoleByName(ctx context.Context, name string) (*RoleRec, error)
	ListRoles(ctx context.Context) ([]RoleRec, error)
	DeleteRole(ctx context.Context, id int64) error

	AddPermissionRecords(ctx context.Context, roleIDs, columnIDs []int64) error
	SetPermission(ctx context.Context, roleID, columnID int64, flags int) error
	PermissionsForRole(ctx context.Context, roleID int64) ([]PermissionRec, error)

	CreateFormField(ctx context.Context, rec *FormFieldRec) (int64, error)
	FormFieldsByColumn(ctx context.Context, columnID int64) ([]FormFieldRec, error)
	CreateAPIColumn(ctx context.Context, rec *APIColumnRec) (int64, error)
	APIColumnsByColumn(ctx context.Context, columnID int64) ([]APIColumnRec, error)
}
