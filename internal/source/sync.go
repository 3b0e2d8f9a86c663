package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/openbase-hq/openbase/internal/metastore"
	"github.com/openbase-hq/openbase/internal/schema"
)

// ConstraintResolutionError records a foreign key whose target could not be
// matched in the mirror. It is soft: the sync completes and the link is
// retried on the next reconciliation.
type ConstraintResolutionError struct {
	Column       string
	TargetTable  string
	TargetColumn string
}

func (e *ConstraintResolutionError) Error() string {
	return fmt.Sprintf("unresolved foreign key on %s -> %s.%s",
		e.Column, e.TargetTable, e.TargetColumn)
}

// SyncResult reports what a reconciliation pass changed.
type SyncResult struct {
	EntitiesAdded   int
	EntitiesRemoved int
	TablesAdded     int
	TablesRemoved   int
	ColumnsAdded    int
	ColumnsUpdated  int
	ColumnsRemoved  int

	Unresolved []*ConstraintResolutionError
}

// Unchanged reports whether the structural pass was a no-op.
func (r *SyncResult) Unchanged() bool {
	return r.EntitiesAdded == 0 && r.EntitiesRemoved == 0 &&
		r.TablesAdded == 0 && r.TablesRemoved == 0 &&
		r.ColumnsAdded == 0 && r.ColumnsUpdated == 0 && r.ColumnsRemoved == 0
}

// reconciler diffs a live introspected schema against the persisted mirror
// for one data source. Surrogate IDs survive every update; only records for
// names no longer observed live are removed.
type reconciler struct {
	store    metastore.Store
	sourceID int64
}

// sync runs the two reconciliation passes: a structural pass that inserts,
// updates and cascade-deletes entity/table/column records, then a linkage
// pass that resolves foreign keys against the now-complete mirror. FK
// resolution failures are collected, never fatal.
func (r *reconciler) sync(ctx context.Context, live []*schema.Entity) (*SyncResult, error) {
	result := &SyncResult{}

	roles, err := r.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	roleIDs := make([]int64, len(roles))
	for i, role := range roles {
		roleIDs[i] = role.ID
	}

	if err := r.structuralPass(ctx, live, roleIDs, result); err != nil {
		return nil, err
	}
	if err := r.linkagePass(ctx, live, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *reconciler) structuralPass(ctx context.Context, live []*schema.Entity, roleIDs []int64, result *SyncResult) error {
	persisted, err := r.store.EntitiesBySource(ctx, r.sourceID)
	if err != nil {
		return err
	}
	persistedByName := make(map[string]metastore.EntityRec, len(persisted))
	for _, rec := range persisted {
		persistedByName[rec.Name] = rec
	}

	liveByName := make(map[string]*schema.Entity, len(live))
	for _, entity := range live {
		liveByName[entity.Name] = entity

		rec, exists := persistedByName[entity.Name]
		entityID := rec.ID
		if !exists {
			entityID, err = r.store.CreateEntity(ctx, r.sourceID, entity.Name, entity.IsDummy)
			if err != nil {
				return err
			}
			result.EntitiesAdded++
		}
		if err := r.syncTables(ctx, entityID, entity, roleIDs, result); err != nil {
			return err
		}
	}

	for _, rec := range persisted {
		if _, stillLive := liveByName[rec.Name]; !stillLive {
			if err := r.store.DeleteEntity(ctx, rec.ID); err != nil {
				return err
			}
			result.EntitiesRemoved++
		}
	}
	return nil
}

func (r *reconciler) syncTables(ctx context.Context, entityID int64, entity *schema.Entity, roleIDs []int64, result *SyncResult) error {
	persisted, err := r.store.TablesByEntity(ctx, entityID)
	if err != nil {
		return err
	}
	persistedByName := make(map[string]metastore.TableRec, len(persisted))
	for _, rec := range persisted {
		persistedByName[rec.Name] = rec
	}

	for _, tbl := range entity.SortedTables() {
		rec, exists := persistedByName[tbl.Name]
		tableID := rec.ID
		if !exists {
			tableID, err = r.store.CreateTable(ctx, entityID, tbl.Name)
			if err != nil {
				return err
			}
			result.TablesAdded++
		}
		if err := r.syncColumns(ctx, tableID, tbl, roleIDs, result); err != nil {
			return err
		}
	}

	for _, rec := range persisted {
		if _, stillLive := entity.Tables[rec.Name]; !stillLive {
			if err := r.store.DeleteTable(ctx, rec.ID); err != nil {
				return err
			}
			result.TablesRemoved++
		}
	}
	return nil
}

func (r *reconciler) syncColumns(ctx context.Context, tableID int64, tbl *schema.Table, roleIDs []int64, result *SyncResult) error {
	persisted, err := r.store.ColumnsByTable(ctx, tableID)
	if err != nil {
		return err
	}
	persistedByName := make(map[string]metastore.ColumnRec, len(persisted))
	for _, rec := range persisted {
		persistedByName[rec.Name] = rec
	}

	var added []int64
	for _, col := range tbl.Columns() {
		rec, exists := persistedByName[col.Name]
		if !exists {
			id, err := r.store.CreateColumn(ctx, &metastore.ColumnRec{
				TableID:      tableID,
				Name:         col.Name,
				TypeJSON:     col.Type.Encode(),
				Position:     col.Position,
				IsPrimaryKey: col.IsPrimaryKey,
				Nullable:     col.Nullable,
			})
			if err != nil {
				return err
			}
			added = append(added, id)
			result.ColumnsAdded++
			continue
		}

		typeJSON := col.Type.Encode()
		if rec.TypeJSON != typeJSON || rec.Position != col.Position ||
			rec.IsPrimaryKey != col.IsPrimaryKey || rec.Nullable != col.Nullable {
			rec.TypeJSON = typeJSON
			rec.Position = col.Position
			rec.IsPrimaryKey = col.IsPrimaryKey
			rec.Nullable = col.Nullable
			if err := r.store.UpdateColumn(ctx, &rec); err != nil {
				return err
			}
			result.ColumnsUpdated++
		}
	}

	if len(added) > 0 && len(roleIDs) > 0 {
		if err := r.store.AddPermissionRecords(ctx, roleIDs, added); err != nil {
			return err
		}
	}

	for _, rec := range persisted {
		if _, stillLive := tbl.Column(rec.Name); !stillLive {
			if err := r.store.DeleteColumn(ctx, rec.ID); err != nil {
				return err
			}
			result.ColumnsRemoved++
		}
	}
	return nil
}

// linkagePass resolves foreign keys after the structural pass, so targets
// created in the same sync are already visible. The display column survives
// resync whenever the join target is unchanged.
func (r *reconciler) linkagePass(ctx context.Context, live []*schema.Entity, result *SyncResult) error {
	for _, entity := range live {
		for _, tbl := range entity.SortedTables() {
			for _, col := range tbl.Columns() {
				if err := r.linkColumn(ctx, entity, tbl, col, result); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *reconciler) linkColumn(ctx context.Context, entity *schema.Entity, tbl *schema.Table, col *schema.Column, result *SyncResult) error {
	rec, err := r.store.FindColumn(ctx, r.sourceID, entity.Name, tbl.Name, col.Name)
	if err != nil {
		return err
	}

	if col.ForeignKey == nil {
		if rec.FKColumnID.Valid {
			return r.store.ClearColumnForeignKey(ctx, rec.ID)
		}
		return nil
	}

	targetEntity, targetTable := schema.SplitQualified(col.ForeignKey.TargetTable, entity.IsDummy)
	if targetEntity == "" {
		// Unqualified references stay within the owning entity.
		targetEntity = entity.Name
	}
	target, err := r.store.FindColumn(ctx, r.sourceID, targetEntity, targetTable, col.ForeignKey.TargetColumn)
	if errors.Is(err, metastore.ErrNotFound) {
		result.Unresolved = append(result.Unresolved, &ConstraintResolutionError{
			Column:       tbl.QualifiedName() + "." + col.Name,
			TargetTable:  col.ForeignKey.TargetTable,
			TargetColumn: col.ForeignKey.TargetColumn,
		})
		return nil
	}
	if err != nil {
		return err
	}

	if rec.FKColumnID.Valid && rec.FKColumnID.Int64 == target.ID && rec.FKDisplayColumnID.Valid {
		// Same target as last sync: keep the operator-chosen display column.
		return r.applyDisplay(ctx, col, rec.FKDisplayColumnID.Int64)
	}

	if err := r.store.SetColumnForeignKey(ctx, rec.ID, target.ID, target.ID); err != nil {
		return err
	}
	return r.applyDisplay(ctx, col, target.ID)
}

// applyDisplay overlays the mirror's display-column choice onto the in-memory
// schema, so the query builder joins against the configured column.
func (r *reconciler) applyDisplay(ctx context.Context, col *schema.Column, displayColumnID int64) error {
	displayCol, err := r.store.Column(ctx, displayColumnID)
	if err != nil {
		return err
	}
	tblRec, err := r.store.Table(ctx, displayCol.TableID)
	if err != nil {
		return err
	}
	entityRec, err := r.store.Entity(ctx, tblRec.EntityID)
	if err != nil {
		return err
	}

	if entityRec.IsDummy {
		col.ForeignKey.DisplayTable = tblRec.Name
	} else {
		col.ForeignKey.DisplayTable = entityRec.Name + "." + tblRec.Name
	}
	col.ForeignKey.DisplayColumn = displayCol.Name
	return nil
}
