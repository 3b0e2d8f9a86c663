package metastore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return store
}

func seedColumn(t *testing.T, store *SQLiteStore, sourceID int64, entity, table, column string) int64 {
	t.Helper()
	ctx := context.Background()

	entityID := int64(0)
	entities, err := store.EntitiesBySource(ctx, sourceID)
	if err != nil {
		t.Fatalf("failed to list entities: %v", err)
	}
	for _, e := range entities {
		if e.Name == entity {
			entityID = e.ID
		}
	}
	if entityID == 0 {
		entityID, err = store.CreateEntity(ctx, sourceID, entity, false)
		if err != nil {
			t.Fatalf("failed to create entity: %v", err)
		}
	}

	tableID := int64(0)
	tables, err := store.TablesByEntity(ctx, entityID)
	if err != nil {
		t.Fatalf("failed to list tables: %v", err)
	}
	for _, tb := range tables {
		if tb.Name == table {
			tableID = tb.ID
		}
	}
	if tableID == 0 {
		tableID, err = store.CreateTable(ctx, entityID, table)
		if err != nil {
			t.Fatalf("failed to create table: %v", err)
		}
	}

	colID, err := store.CreateColumn(ctx, &ColumnRec{
		TableID:  tableID,
		Name:     column,
		TypeJSON: `{"type":"int"}`,
		Position: 1,
	})
	if err != nil {
		t.Fatalf("failed to create column: %v", err)
	}
	return colID
}

func TestFindColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "mysql2", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	colID := seedColumn(t, store, sourceID, "shop", "orders", "id")

	rec, err := store.FindColumn(ctx, sourceID, "shop", "orders", "id")
	if err != nil {
		t.Fatalf("FindColumn failed: %v", err)
	}
	if rec.ID != colID {
		t.Errorf("FindColumn returned id %d, want %d", rec.ID, colID)
	}

	if _, err := store.FindColumn(ctx, sourceID, "shop", "orders", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteColumnCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "pg", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	targetID := seedColumn(t, store, sourceID, "public", "users", "id")
	referrerID := seedColumn(t, store, sourceID, "public", "orders", "user_id")

	if err := store.SetColumnForeignKey(ctx, referrerID, targetID, targetID); err != nil {
		t.Fatalf("SetColumnForeignKey failed: %v", err)
	}

	roleID, err := store.CreateRole(ctx, "viewer")
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	if err := store.AddPermissionRecords(ctx, []int64{roleID}, []int64{targetID}); err != nil {
		t.Fatalf("AddPermissionRecords failed: %v", err)
	}
	if _, err := store.CreateFormField(ctx, &FormFieldRec{ColumnID: targetID, Label: "ID"}); err != nil {
		t.Fatalf("CreateFormField failed: %v", err)
	}
	if _, err := store.CreateAPIColumn(ctx, &APIColumnRec{ColumnID: targetID, Alias: "userId"}); err != nil {
		t.Fatalf("CreateAPIColumn failed: %v", err)
	}

	if err := store.DeleteColumn(ctx, targetID); err != nil {
		t.Fatalf("DeleteColumn failed: %v", err)
	}

	if _, err := store.Column(ctx, targetID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted column lookup to fail, got %v", err)
	}
	perms, err := store.PermissionsForRole(ctx, roleID)
	if err != nil {
		t.Fatalf("PermissionsForRole failed: %v", err)
	}
	if len(perms) != 0 {
		t.Errorf("expected permission rows removed, found %d", len(perms))
	}

	referrer, err := store.Column(ctx, referrerID)
	if err != nil {
		t.Fatalf("failed to reload referrer: %v", err)
	}
	if referrer.FKColumnID.Valid || referrer.FKDisplayColumnID.Valid {
		t.Errorf("expected inbound FK nullified, got %+v", referrer)
	}
}

func TestAddPermissionRecordsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "better-sqlite3", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	colID := seedColumn(t, store, sourceID, "main", "notes", "body")

	roleID, err := store.CreateRole(ctx, "editor")
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	if err := store.SetPermission(ctx, roleID, colID, 6); err != nil {
		t.Fatalf("SetPermission failed: %v", err)
	}

	// Re-adding must not reset existing flags.
	if err := store.AddPermissionRecords(ctx, []int64{roleID}, []int64{colID}); err != nil {
		t.Fatalf("AddPermissionRecords failed: %v", err)
	}
	perms, err := store.PermissionsForRole(ctx, roleID)
	if err != nil {
		t.Fatalf("PermissionsForRole failed: %v", err)
	}
	if len(perms) != 1 || perms[0].Flags != 6 {
		t.Errorf("expected one permission row with flags 6, got %+v", perms)
	}
}

func TestSetForeignKeyDisplayRequiresFK(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "mssql", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	plainID := seedColumn(t, store, sourceID, "dbo", "items", "label")

	if err := store.SetForeignKeyDisplay(ctx, plainID, plainID); err == nil {
		t.Fatal("expected error when column has no foreign key")
	}
}

func TestClearColumnForeignKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "mysql2", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	targetID := seedColumn(t, store, sourceID, "shop", "users", "id")
	refID := seedColumn(t, store, sourceID, "shop", "orders", "user_id")

	if err := store.SetColumnForeignKey(ctx, refID, targetID, targetID); err != nil {
		t.Fatalf("SetColumnForeignKey failed: %v", err)
	}
	if err := store.ClearColumnForeignKey(ctx, refID); err != nil {
		t.Fatalf("ClearColumnForeignKey failed: %v", err)
	}
	rec, err := store.Column(ctx, refID)
	if err != nil {
		t.Fatalf("Column failed: %v", err)
	}
	if rec.FKColumnID != (sql.NullInt64{}) {
		t.Errorf("expected cleared FK, got %+v", rec.FKColumnID)
	}
}
