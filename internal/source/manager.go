package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openbase-hq/openbase/internal/connection"
	"github.com/openbase-hq/openbase/internal/dialect"
	"github.com/openbase-hq/openbase/internal/metastore"
)

// Manager is the process-wide source registry. It is the only place a
// Database's live connection is held; nothing else opens a second connection
// to the same configured source.
type Manager struct {
	store   metastore.Store
	timeout time.Duration

	mu        sync.Mutex
	inited    bool
	databases map[string]*Database
}

func NewManager(store metastore.Store, timeout time.Duration) *Manager {
	return &Manager{
		store:     store,
		timeout:   timeout,
		databases: make(map[string]*Database),
	}
}

// Init loads every registered source from the mirror into the registry.
// Idempotent: concurrent callers serialize on the lock and all but the first
// no-op. Connections are not opened here; each Database connects lazily on
// first use.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inited {
		return nil
	}

	recs, err := m.store.ListDataSources(ctx)
	if err != nil {
		return fmt.Errorf("failed to load data sources: %w", err)
	}
	for _, rec := range recs {
		var cfg connection.Config
		if err := json.Unmarshal([]byte(rec.ConfigJSON), &cfg); err != nil {
			return fmt.Errorf("bad config for source %q: %w", rec.Name, err)
		}
		m.databases[rec.Name] = NewDatabase(rec.ID, rec.Name, cfg, m.store, m.timeout)
	}
	m.inited = true
	return nil
}

// Get returns a fully initialized Database for a registered source. The
// first caller pays for connect and reconciliation; the Database's own lock
// keeps concurrent first access from racing.
func (m *Manager) Get(ctx context.Context, name string) (*Database, error) {
	m.mu.Lock()
	db, ok := m.databases[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("data source %q is not registered", name)
	}
	if err := db.Init(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// AddDataSource validates a configuration, persists it and registers the
// source. Validation failures leave both the mirror and the registry
// untouched. The new source is initialized (connected and reconciled)
// before this returns.
func (m *Manager) AddDataSource(ctx context.Context, name string, cfg connection.Config) (*Database, error) {
	if name == "" {
		return nil, fmt.Errorf("data source name must not be empty")
	}
	if err := m.validate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config validation for %q failed: %w", name, err)
	}

	m.mu.Lock()
	if _, exists := m.databases[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("data source %q already exists", name)
	}
	m.mu.Unlock()

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	id, err := m.store.CreateDataSource(ctx, name, cfg.Type, string(configJSON))
	if err != nil {
		return nil, err
	}

	db := NewDatabase(id, name, cfg, m.store, m.timeout)
	if err := db.Init(ctx); err != nil {
		// Roll the registration back so a half-working source never
		// lingers in the mirror.
		if delErr := m.store.DeleteDataSource(ctx, id); delErr != nil {
			return nil, fmt.Errorf("init failed (%v) and rollback failed: %w", err, delErr)
		}
		return nil, err
	}

	m.mu.Lock()
	m.databases[name] = db
	m.mu.Unlock()
	return db, nil
}

// validate rejects configurations that cannot possibly connect. File-based
// engines must point at an existing file; every engine tag must be known.
func (m *Manager) validate(ctx context.Context, cfg connection.Config) error {
	if _, err := dialect.New(cfg.Type); err != nil {
		return err
	}
	if cfg.Type == dialect.EngineSQLite {
		if cfg.Filename == "" {
			return fmt.Errorf("sqlite source requires a filename")
		}
		if _, err := os.Stat(cfg.Filename); err != nil {
			return fmt.Errorf("sqlite file not accessible: %w", err)
		}
		return nil
	}
	if cfg.Host == "" {
		return fmt.Errorf("%s source requires a host", cfg.Type)
	}
	return nil
}

// RemoveDataSource cascades deletion of everything the source owns in the
// mirror, closes its connection and evicts it from the registry.
func (m *Manager) RemoveDataSource(ctx context.Context, name string) error {
	rec, err := m.store.DataSourceByName(ctx, name)
	if err != nil {
		return fmt.Errorf("data source %q not found", name)
	}
	if err := m.store.DeleteDataSource(ctx, rec.ID); err != nil {
		return err
	}

	m.mu.Lock()
	db, ok := m.databases[name]
	delete(m.databases, name)
	m.mu.Unlock()

	if ok {
		return db.Close()
	}
	return nil
}

// List returns the registered sources as persisted.
func (m *Manager) List(ctx context.Context) ([]metastore.DataSourceRec, error) {
	return m.store.ListDataSources(ctx)
}

// Close shuts every live connection down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, db := range m.databases {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
