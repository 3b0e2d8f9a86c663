package source

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/openbase-hq/openbase/internal/metastore"
	"github.com/openbase-hq/openbase/internal/schema"
)

func newTestStore(t *testing.T) *metastore.SQLiteStore {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return store
}

func shopSchema() []*schema.Entity {
	users := schema.NewTable("users", []*schema.Column{
		{Name: "id", Type: schema.IntType(math.MinInt32, math.MaxInt32), Position: 1, IsPrimaryKey: true},
		{Name: "name", Type: schema.StringType(false, 255), Position: 2, Nullable: true},
	})
	orders := schema.NewTable("orders", []*schema.Column{
		{Name: "id", Type: schema.IntType(math.MinInt32, math.MaxInt32), Position: 1, IsPrimaryKey: true},
		{Name: "user_id", Type: schema.IntType(math.MinInt32, math.MaxInt32), Position: 2, Nullable: true,
			ForeignKey: &schema.ForeignKey{
				TargetTable: "shop.users", TargetColumn: "id",
				DisplayTable: "shop.users", DisplayColumn: "id",
			}},
	})
	return []*schema.Entity{schema.NewEntity("shop", []*schema.Table{users, orders})}
}

func TestSyncIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "mysql2", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	r := &reconciler{store: store, sourceID: sourceID}

	first, err := r.sync(ctx, shopSchema())
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if first.EntitiesAdded != 1 || first.TablesAdded != 2 || first.ColumnsAdded != 4 {
		t.Errorf("unexpected first sync result: %+v", first)
	}
	if len(first.Unresolved) != 0 {
		t.Errorf("expected all FKs resolved, got %v", first.Unresolved)
	}

	idBefore := mustFindColumn(t, store, sourceID, "shop", "orders", "user_id").ID

	second, err := r.sync(ctx, shopSchema())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if !second.Unchanged() {
		t.Errorf("expected second sync to be a no-op, got %+v", second)
	}
	if idAfter := mustFindColumn(t, store, sourceID, "shop", "orders", "user_id").ID; idAfter != idBefore {
		t.Errorf("surrogate ID changed across idempotent sync: %d -> %d", idBefore, idAfter)
	}
}

func TestSyncTypeChangePreservesIDAndPermissions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "mysql2", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	roleID, err := store.CreateRole(ctx, "editor")
	if err != nil {
		t.Fatalf("failed to create role: %v", err)
	}

	r := &reconciler{store: store, sourceID: sourceID}
	if _, err := r.sync(ctx, shopSchema()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	before := mustFindColumn(t, store, sourceID, "shop", "users", "name")
	if err := store.SetPermission(ctx, roleID, before.ID, 6); err != nil {
		t.Fatalf("failed to set permission: %v", err)
	}

	// Live schema changes the column's type, nothing else.
	changed := shopSchema()
	nameCol, _ := changed[0].Tables["users"].Column("name")
	nameCol.Type = schema.StringType(false, 65535)

	result, err := r.sync(ctx, changed)
	if err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	if result.ColumnsUpdated != 1 || result.ColumnsAdded != 0 || result.ColumnsRemoved != 0 {
		t.Errorf("expected exactly one column update, got %+v", result)
	}

	after := mustFindColumn(t, store, sourceID, "shop", "users", "name")
	if after.ID != before.ID {
		t.Errorf("surrogate ID changed on type update: %d -> %d", before.ID, after.ID)
	}
	if after.TypeJSON == before.TypeJSON {
		t.Error("expected persisted type to change")
	}

	perms, err := store.PermissionsForRole(ctx, roleID)
	if err != nil {
		t.Fatalf("failed to list permissions: %v", err)
	}
	found := false
	for _, p := range perms {
		if p.ColumnID == before.ID && p.Flags == 6 {
			found = true
		}
	}
	if !found {
		t.Error("expected permission row to survive resync with its flags intact")
	}
}

func TestSyncCascadeDeleteNullifiesInboundFKs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "mysql2", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	roleID, err := store.CreateRole(ctx, "viewer")
	if err != nil {
		t.Fatalf("failed to create role: %v", err)
	}

	r := &reconciler{store: store, sourceID: sourceID}
	if _, err := r.sync(ctx, shopSchema()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	usersID := mustFindColumn(t, store, sourceID, "shop", "users", "id").ID

	// users disappears from the live schema; orders survives with a
	// dangling FK.
	shrunk := shopSchema()
	delete(shrunk[0].Tables, "users")

	result, err := r.sync(ctx, shrunk)
	if err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	if result.TablesRemoved != 1 || result.ColumnsRemoved != 2 {
		t.Errorf("expected users table and its columns removed, got %+v", result)
	}
	if len(result.Unresolved) != 1 {
		t.Errorf("expected the dangling orders FK reported, got %v", result.Unresolved)
	}

	orderFK := mustFindColumn(t, store, sourceID, "shop", "orders", "user_id")
	if orderFK.FKColumnID.Valid {
		t.Errorf("expected inbound FK nullified, got %+v", orderFK.FKColumnID)
	}

	perms, err := store.PermissionsForRole(ctx, roleID)
	if err != nil {
		t.Fatalf("failed to list permissions: %v", err)
	}
	for _, p := range perms {
		if p.ColumnID == usersID {
			t.Error("expected permission rows of deleted columns removed")
		}
	}
}

func TestSyncNewColumnsSeedZeroPermissions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "pg", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	roleID, err := store.CreateRole(ctx, "viewer")
	if err != nil {
		t.Fatalf("failed to create role: %v", err)
	}

	r := &reconciler{store: store, sourceID: sourceID}
	if _, err := r.sync(ctx, shopSchema()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	perms, err := store.PermissionsForRole(ctx, roleID)
	if err != nil {
		t.Fatalf("failed to list permissions: %v", err)
	}
	if len(perms) != 4 {
		t.Fatalf("expected a zero-flag row per synced column, got %d", len(perms))
	}
	for _, p := range perms {
		if p.Flags != 0 {
			t.Errorf("expected zero flags on seeded row, got %d", p.Flags)
		}
	}
}

func TestSyncUnresolvedForeignKeyIsSoft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sourceID, err := store.CreateDataSource(ctx, "app", "mysql2", "{}")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}

	orphan := schema.NewTable("orders", []*schema.Column{
		{Name: "id", Type: schema.IntType(math.MinInt32, math.MaxInt32), Position: 1, IsPrimaryKey: true},
		{Name: "user_id", Type: schema.IntType(math.MinInt32, math.MaxInt32), Position: 2,
			ForeignKey: &schema.ForeignKey{TargetTable: "shop.ghosts", TargetColumn: "id"}},
	})
	live := []*schema.Entity{schema.NewEntity("shop", []*schema.Table{orphan})}

	r := &reconciler{store: store, sourceID: sourceID}
	result, err := r.sync(ctx, live)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Unresolved) != 1 {
		t.Fatalf("expected one unresolved FK, got %v", result.Unresolved)
	}
	if result.Unresolved[0].TargetTable != "shop.ghosts" {
		t.Errorf("unexpected unresolved target: %+v", result.Unresolved[0])
	}
}

func mustFindColumn(t *testing.T, store metastore.Store, sourceID int64, entity, table, column string) *metastore.ColumnRec {
	t.Helper()
	rec, err := store.FindColumn(context.Background(), sourceID, entity, table, column)
	if err != nil {
		t.Fatalf("FindColumn(%s.%s.%s) failed: %v", entity, table, column, err)
	}
	return rec
}
