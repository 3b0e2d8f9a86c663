package source

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openbase-hq/openbase/internal/connection"
	"github.com/openbase-hq/openbase/internal/dialect"
	"github.com/openbase-hq/openbase/internal/schema"
)

// newFixtureDatabase builds a users/depts SQLite fixture, registers it
// through a Manager and returns the initialized Database.
func newFixtureDatabase(t *testing.T) (*Database, *Manager) {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "fixture.db")
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open fixture db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE depts (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, dept_id INTEGER REFERENCES depts(id))`,
		`INSERT INTO depts (id, name) VALUES (1, 'engineering'), (2, 'sales')`,
		`INSERT INTO users (id, name, dept_id) VALUES
			(1, 'ada', 1), (2, 'grace', 1), (3, 'alan', 2), (4, 'edsger', 2), (5, 'barbara', 1)`,
	}
	for _, stmt := range stmts {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("fixture setup failed: %v", err)
		}
	}
	raw.Close()

	store := newTestStore(t)
	mgr := NewManager(store, 5*time.Second)
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("manager init failed: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	db, err := mgr.AddDataSource(ctx, "fixture", connection.Config{
		Type:     dialect.EngineSQLite,
		Filename: path,
	})
	if err != nil {
		t.Fatalf("AddDataSource failed: %v", err)
	}
	return db, mgr
}

func configureDeptNameDisplay(t *testing.T, db *Database) *schema.Table {
	t.Helper()
	users, err := db.Table("users")
	if err != nil {
		t.Fatalf("users table not found: %v", err)
	}
	depts, err := db.Table("depts")
	if err != nil {
		t.Fatalf("depts table not found: %v", err)
	}
	deptID, _ := users.Column("dept_id")
	deptName, _ := depts.Column("name")
	if err := db.SetForeignKeyDisplay(context.Background(), deptID, deptName); err != nil {
		t.Fatalf("SetForeignKeyDisplay failed: %v", err)
	}
	return users
}

func TestFetchForeignKeyComposite(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	users := configureDeptNameDisplay(t, db)

	rows, err := db.Fetch(context.Background(), users, FetchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}

	for _, row := range rows {
		fk, ok := row["dept_id"].(schema.FKValue)
		if !ok {
			t.Fatalf("expected FKValue for dept_id, got %T", row["dept_id"])
		}
		wantDisplay := "engineering"
		if fk.ID == int64(2) {
			wantDisplay = "sales"
		}
		if fk.Display != wantDisplay {
			t.Errorf("dept %v rendered as %q, want %q", fk.ID, fk.Display, wantDisplay)
		}
		for key := range row {
			if key == "_fkeyselect_dept_id" || key == "_fkeydisplay_dept_id" {
				t.Errorf("temporary alias %q leaked into result", key)
			}
		}
	}
}

func TestFetchPaginationWithExplicitOrdering(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	users, err := db.Table("users")
	if err != nil {
		t.Fatalf("users table not found: %v", err)
	}
	pk, _ := users.Column("id")
	nameCol, _ := users.Column("name")

	rows, err := db.Fetch(context.Background(), users, FetchOptions{
		Columns:  []*schema.Column{pk, nameCol},
		Ordering: []schema.Ordering{{Column: pk}},
		Limit:    2,
		Offset:   1,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["id"] != int64(2) || rows[1]["id"] != int64(3) {
		t.Errorf("expected rows 2 and 3 in pk order, got %v then %v", rows[0]["id"], rows[1]["id"])
	}
}

func TestFetchFilters(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	users, err := db.Table("users")
	if err != nil {
		t.Fatalf("users table not found: %v", err)
	}
	pk, _ := users.Column("id")
	nameCol, _ := users.Column("name")

	rows, err := db.Fetch(context.Background(), users, FetchOptions{
		Columns: []*schema.Column{pk, nameCol},
		Filters: []schema.Filter{
			{Column: nameCol, Operator: schema.OpLike, Value: "a%"},
			{Column: pk, Operator: schema.OpGt, Value: 1},
		},
		Ordering: []schema.Ordering{{Column: pk}},
		Limit:    -1,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "alan" {
		t.Errorf("expected only alan past id 1, got %v", rows)
	}
}

func TestFetchZeroValueOptions(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	users, err := db.Table("users")
	if err != nil {
		t.Fatalf("users table not found: %v", err)
	}

	rows, err := db.Fetch(context.Background(), users, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("expected all 5 rows for the zero options, got %d", len(rows))
	}
}

func TestInsertCompletenessGuard(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	ctx := context.Background()
	users, err := db.Table("users")
	if err != nil {
		t.Fatalf("users table not found: %v", err)
	}

	before, err := db.Count(ctx, users)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}

	err = db.Insert(ctx, users, map[string]any{"name": "margaret"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	after, err := db.Count(ctx, users)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if after != before {
		t.Errorf("row count changed on rejected insert: %d -> %d", before, after)
	}

	if err := db.Insert(ctx, users, map[string]any{"name": "margaret", "dept_id": 2}); err != nil {
		t.Fatalf("complete insert failed: %v", err)
	}
	if n, _ := db.Count(ctx, users); n != before+1 {
		t.Errorf("expected %d rows after insert, got %d", before+1, n)
	}
}

func TestUpdateAndDeleteByPrimaryKey(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	ctx := context.Background()
	users, err := db.Table("users")
	if err != nil {
		t.Fatalf("users table not found: %v", err)
	}
	pk, _ := users.Column("id")
	nameCol, _ := users.Column("name")

	if err := db.Update(ctx, users, 3, map[string]any{"name": "turing"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	rows, err := db.Fetch(ctx, users, FetchOptions{
		Columns: []*schema.Column{pk, nameCol},
		Filters: []schema.Filter{{Column: pk, Operator: schema.OpEq, Value: 3}},
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "turing" {
		t.Errorf("expected updated name, got %v", rows)
	}

	if err := db.Delete(ctx, users, 3); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n, _ := db.Count(ctx, users); n != 4 {
		t.Errorf("expected 4 rows after delete, got %d", n)
	}
}

func TestFetchForeignKeyDisplays(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	users := configureDeptNameDisplay(t, db)
	ctx := context.Background()

	deptID, _ := users.Column("dept_id")
	nameCol, _ := users.Column("name")

	displays, err := db.FetchForeignKeyDisplays(ctx, users, []*schema.Column{deptID})
	if err != nil {
		t.Fatalf("FetchForeignKeyDisplays failed: %v", err)
	}
	pairs := displays["dept_id"]
	if len(pairs) != 2 {
		t.Fatalf("expected 2 distinct depts, got %v", pairs)
	}
	seen := map[any]any{}
	for _, p := range pairs {
		seen[p.ID] = p.Display
	}
	if seen[int64(1)] != "engineering" || seen[int64(2)] != "sales" {
		t.Errorf("unexpected display pairs: %v", seen)
	}

	if _, err := db.FetchForeignKeyDisplays(ctx, users, []*schema.Column{nameCol}); err == nil {
		t.Error("expected error for non-FK column")
	}
}

func TestDisplayReassignmentChangesOnlyDisplay(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	ctx := context.Background()
	users := configureDeptNameDisplay(t, db)
	deptID, _ := users.Column("dept_id")

	fetchFirst := func() schema.FKValue {
		rows, err := db.Fetch(ctx, users, FetchOptions{
			Columns:  []*schema.Column{deptID},
			Filters:  []schema.Filter{},
			Ordering: nil,
			Limit:    1,
		})
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		return rows[0]["dept_id"].(schema.FKValue)
	}

	withName := fetchFirst()
	if withName.Display != "engineering" && withName.Display != "sales" {
		t.Fatalf("expected dept name display, got %v", withName.Display)
	}

	// Point the display back at the id column; ids must not move.
	depts, err := db.Table("depts")
	if err != nil {
		t.Fatalf("depts table not found: %v", err)
	}
	deptPK, _ := depts.Column("id")
	if err := db.SetForeignKeyDisplay(ctx, deptID, deptPK); err != nil {
		t.Fatalf("SetForeignKeyDisplay failed: %v", err)
	}

	withID := fetchFirst()
	if withID.ID != withName.ID {
		t.Errorf("display reassignment moved the id: %v -> %v", withName.ID, withID.ID)
	}
	if withID.Display != withID.ID {
		t.Errorf("expected display to equal raw id after reassignment, got %v", withID.Display)
	}
}

func TestSetForeignKeyDisplayRejectsOtherTables(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	ctx := context.Background()
	users := configureDeptNameDisplay(t, db)
	deptID, _ := users.Column("dept_id")
	userName, _ := users.Column("name")

	// users.name is not a column of the FK target table depts.
	if err := db.SetForeignKeyDisplay(ctx, deptID, userName); err == nil {
		t.Fatal("expected error for display column outside the target table")
	}
	if deptID.ForeignKey.DisplayTable != "depts" || deptID.ForeignKey.DisplayColumn != "name" {
		t.Errorf("rejected reassignment changed the display: %s.%s",
			deptID.ForeignKey.DisplayTable, deptID.ForeignKey.DisplayColumn)
	}
}

func TestDisplayChoiceSurvivesResync(t *testing.T) {
	db, _ := newFixtureDatabase(t)
	ctx := context.Background()
	users := configureDeptNameDisplay(t, db)
	deptID, _ := users.Column("dept_id")

	result, err := db.Resync(ctx)
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if !result.Unchanged() {
		t.Errorf("expected structural no-op on resync, got %+v", result)
	}

	// The reconciled tree is rebuilt on resync; look the column up again.
	users, err = db.Table("users")
	if err != nil {
		t.Fatalf("users table not found after resync: %v", err)
	}
	deptID, _ = users.Column("dept_id")
	if deptID.ForeignKey.DisplayColumn != "name" {
		t.Errorf("display column reset by resync: %q", deptID.ForeignKey.DisplayColumn)
	}
}
