package connection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openbase-hq/openbase/internal/dialect"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "mysql",
			cfg:  Config{Type: dialect.EngineMySQL, User: "root", Password: "secret", Database: "app"},
			want: "root:secret@tcp(db.local:3306)/app?parseTime=true",
		},
		{
			name: "postgres",
			cfg:  Config{Type: dialect.EnginePostgres, User: "admin", Password: "pw", Database: "app"},
			want: "postgres://admin:pw@db.local:5432/app?sslmode=prefer",
		},
		{
			name: "mssql",
			cfg:  Config{Type: dialect.EngineMSSQL, User: "sa", Password: "pw", Database: "app"},
			want: "sqlserver://sa:pw@db.local:5432?database=app",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg, "db.local", portFor(tt.cfg.Type))
			if err != nil {
				t.Fatalf("buildDSN returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildDSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func portFor(engine string) int {
	if engine == dialect.EngineMySQL {
		return 3306
	}
	return 5432
}

func TestBuildDSNSQLiteRequiresFilename(t *testing.T) {
	if _, err := buildDSN(Config{Type: dialect.EngineSQLite}, "", 0); err == nil {
		t.Fatal("expected error for sqlite config without filename")
	}
}

func TestConnectSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")

	conn, err := Connect(context.Background(), Config{
		Type:     dialect.EngineSQLite,
		Filename: path,
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.DB().Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT NOT NULL)`); err != nil {
		t.Fatalf("failed to create fixture table: %v", err)
	}

	entities, err := conn.FetchAllEntities(context.Background())
	if err != nil {
		t.Fatalf("FetchAllEntities failed: %v", err)
	}
	if len(entities) != 1 || !entities[0].IsDummy {
		t.Fatalf("expected one dummy entity, got %+v", entities)
	}
	tbl, ok := entities[0].Tables["items"]
	if !ok {
		t.Fatal("expected items table in introspected schema")
	}
	if tbl.PrimaryKey == nil || tbl.PrimaryKey.Name != "id" {
		t.Errorf("expected id primary key, got %+v", tbl.PrimaryKey)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestConnectUnknownEngine(t *testing.T) {
	if _, err := Connect(context.Background(), Config{Type: "oracle"}, time.Second); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}
