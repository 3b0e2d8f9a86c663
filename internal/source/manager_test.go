package source

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openbase-hq/openbase/internal/connection"
	"github.com/openbase-hq/openbase/internal/dialect"
)

func newFixtureFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open fixture db: %v", err)
	}
	if _, err := raw.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL)`); err != nil {
		t.Fatalf("fixture setup failed: %v", err)
	}
	raw.Close()
	return path
}

func TestManagerInitIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mgr := NewManager(store, 5*time.Second)
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.AddDataSource(ctx, "notes", connection.Config{
		Type:     dialect.EngineSQLite,
		Filename: newFixtureFile(t),
	}); err != nil {
		t.Fatalf("AddDataSource failed: %v", err)
	}

	// A fresh manager over the same mirror must load the source once, no
	// matter how many times Init runs.
	second := NewManager(store, 5*time.Second)
	for i := 0; i < 3; i++ {
		if err := second.Init(ctx); err != nil {
			t.Fatalf("Init run %d failed: %v", i, err)
		}
	}
	defer second.Close()

	recs, err := second.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one registered source, got %d", len(recs))
	}
	if _, err := second.Get(ctx, "notes"); err != nil {
		t.Errorf("Get after reload failed: %v", err)
	}
}

func TestManagerConcurrentGetInitializesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mgr := NewManager(store, 5*time.Second)
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.AddDataSource(ctx, "notes", connection.Config{
		Type:     dialect.EngineSQLite,
		Filename: newFixtureFile(t),
	}); err != nil {
		t.Fatalf("AddDataSource failed: %v", err)
	}

	var wg sync.WaitGroup
	dbs := make([]*Database, 8)
	for i := range dbs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := mgr.Get(ctx, "notes")
			if err != nil {
				t.Errorf("concurrent Get failed: %v", err)
				return
			}
			dbs[i] = db
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(dbs); i++ {
		if dbs[i] != dbs[0] {
			t.Fatal("concurrent Get returned different Database instances")
		}
	}

	// Duplicate initialization would have produced duplicate mirror rows.
	db := dbs[0]
	if db.LastSync() == nil || db.LastSync().TablesAdded != 1 {
		t.Errorf("unexpected sync result: %+v", db.LastSync())
	}
	entities, err := store.EntitiesBySource(ctx, db.ID)
	if err != nil {
		t.Fatalf("EntitiesBySource failed: %v", err)
	}
	if len(entities) != 1 {
		t.Errorf("expected one mirrored entity, got %d", len(entities))
	}
}

func TestAddDataSourceValidationFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mgr := NewManager(store, time.Second)
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer mgr.Close()

	_, err := mgr.AddDataSource(ctx, "ghost", connection.Config{
		Type:     dialect.EngineSQLite,
		Filename: filepath.Join(t.TempDir(), "does-not-exist.db"),
	})
	if err == nil {
		t.Fatal("expected validation failure for missing sqlite file")
	}

	recs, listErr := mgr.List(ctx)
	if listErr != nil {
		t.Fatalf("List failed: %v", listErr)
	}
	if len(recs) != 0 {
		t.Errorf("failed validation must not register the source, found %d", len(recs))
	}
	if _, getErr := mgr.Get(ctx, "ghost"); getErr == nil {
		t.Error("expected Get on unregistered source to fail")
	}
}

func TestAddDataSourceRejectsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mgr := NewManager(store, 5*time.Second)
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer mgr.Close()

	path := newFixtureFile(t)
	if _, err := mgr.AddDataSource(ctx, "notes", connection.Config{
		Type: dialect.EngineSQLite, Filename: path,
	}); err != nil {
		t.Fatalf("first AddDataSource failed: %v", err)
	}
	if _, err := mgr.AddDataSource(ctx, "notes", connection.Config{
		Type: dialect.EngineSQLite, Filename: path,
	}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRemoveDataSourceCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mgr := NewManager(store, 5*time.Second)
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer mgr.Close()

	db, err := mgr.AddDataSource(ctx, "notes", connection.Config{
		Type: dialect.EngineSQLite, Filename: newFixtureFile(t),
	})
	if err != nil {
		t.Fatalf("AddDataSource failed: %v", err)
	}
	sourceID := db.ID

	if err := mgr.RemoveDataSource(ctx, "notes"); err != nil {
		t.Fatalf("RemoveDataSource failed: %v", err)
	}

	if _, err := mgr.Get(ctx, "notes"); err == nil {
		t.Error("expected Get on removed source to fail")
	}
	entities, err := store.EntitiesBySource(ctx, sourceID)
	if err != nil {
		t.Fatalf("EntitiesBySource failed: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("expected mirror records removed with the source, found %d entities", len(entities))
	}
}
