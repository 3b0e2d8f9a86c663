// Package source binds live connections to their metadata mirrors and runs
// the reconciliation and query layers on top.
package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbase-hq/openbase/internal/connection"
	"github.com/openbase-hq/openbase/internal/metastore"
	"github.com/openbase-hq/openbase/internal/schema"
)

// Database is one registered data source: its connection, its reconciled
// schema and its slice of the metadata mirror. Queries are only permitted
// after Init has completed a full reconciliation.
type Database struct {
	ID   int64
	Name string

	cfg     connection.Config
	store   metastore.Store
	timeout time.Duration

	mu       sync.Mutex
	inited   bool
	conn     *connection.Connection
	entities []*schema.Entity
	lastSync *SyncResult
}

func NewDatabase(id int64, name string, cfg connection.Config, store metastore.Store, timeout time.Duration) *Database {
	return &Database{ID: id, Name: name, cfg: cfg, store: store, timeout: timeout}
}

// Init connects, introspects and reconciles. It is idempotent: concurrent
// callers serialize on the lock and all but the first no-op. No query runs
// against a Database whose Init has not returned.
func (d *Database) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inited {
		return nil
	}

	conn, err := connection.Connect(ctx, d.cfg, d.timeout)
	if err != nil {
		return err
	}

	entities, result, err := d.introspectAndSync(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	d.conn = conn
	d.entities = entities
	d.lastSync = result
	d.inited = true
	return nil
}

// Resync re-runs introspection and reconciliation on demand. On failure the
// previously reconciled schema stays in place, so readers keep working
// against the last known good state.
func (d *Database) Resync(ctx context.Context) (*SyncResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited {
		return nil, fmt.Errorf("source %q is not initialized", d.Name)
	}

	entities, result, err := d.introspectAndSync(ctx, d.conn)
	if err != nil {
		return nil, fmt.Errorf("resync of %q failed, keeping previous schema: %w", d.Name, err)
	}
	d.entities = entities
	d.lastSync = result
	return result, nil
}

func (d *Database) introspectAndSync(ctx context.Context, conn *connection.Connection) ([]*schema.Entity, *SyncResult, error) {
	entities, err := conn.FetchAllEntities(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec := &reconciler{store: d.store, sourceID: d.ID}
	result, err := rec.sync(ctx, entities)
	if err != nil {
		return nil, nil, err
	}
	return entities, result, nil
}

// Entities returns the reconciled schema tree.
func (d *Database) Entities() []*schema.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entities
}

// LastSync returns the result of the most recent reconciliation.
func (d *Database) LastSync() *SyncResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSync
}

// Table resolves a qualified table name against the reconciled schema.
func (d *Database) Table(qualified string) (*schema.Table, error) {
	d.mu.Lock()
	entities := d.entities
	d.mu.Unlock()

	for _, entity := range entities {
		entityName, tableName := schema.SplitQualified(qualified, entity.IsDummy)
		if !entity.IsDummy && entityName != entity.Name {
			continue
		}
		if tbl, ok := entity.Tables[tableName]; ok {
			return tbl, nil
		}
	}
	return nil, fmt.Errorf("table %q not found in source %q", qualified, d.Name)
}

// SetForeignKeyDisplay reassigns which target-table column is rendered for a
// foreign-key column, in both the mirror and the in-memory schema.
func (d *Database) SetForeignKeyDisplay(ctx context.Context, col *schema.Column, display *schema.Column) error {
	if col.ForeignKey == nil {
		return fmt.Errorf("column %q carries no foreign key", col.Name)
	}

	d.mu.Lock()
	entities := d.entities
	d.mu.Unlock()

	tbl := tableOf(entities, col)
	if tbl == nil {
		return fmt.Errorf("column %q not found in reconciled schema", col.Name)
	}
	displayTbl := tableOf(entities, display)
	if displayTbl == nil {
		return fmt.Errorf("display column %q not found in reconciled schema", display.Name)
	}
	if displayTbl.QualifiedName() != col.ForeignKey.TargetTable {
		return fmt.Errorf("display column %q is in %q, not in target table %q",
			display.Name, displayTbl.QualifiedName(), col.ForeignKey.TargetTable)
	}

	entityName, tableName := ownerNames(tbl)
	rec, err := d.store.FindColumn(ctx, d.ID, entityName, tableName, col.Name)
	if err != nil {
		return err
	}
	displayEntity, displayTable := ownerNames(displayTbl)
	displayRec, err := d.store.FindColumn(ctx, d.ID, displayEntity, displayTable, display.Name)
	if err != nil {
		return err
	}
	if err := d.store.SetForeignKeyDisplay(ctx, rec.ID, displayRec.ID); err != nil {
		return err
	}

	col.ForeignKey.DisplayTable = displayTbl.QualifiedName()
	col.ForeignKey.DisplayColumn = display.Name
	return nil
}

func ownerNames(tbl *schema.Table) (entityName, tableName string) {
	if tbl.Entity != nil {
		return tbl.Entity.Name, tbl.Name
	}
	return "", tbl.Name
}

func tableOf(entities []*schema.Entity, col *schema.Column) *schema.Table {
	for _, entity := range entities {
		for _, tbl := range entity.Tables {
			if c, ok := tbl.Column(col.Name); ok && c == col {
				return tbl
			}
		}
	}
	return nil
}

// Close releases the connection. The mirror is left untouched.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.inited = false
	return err
}
