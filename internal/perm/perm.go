// Package perm models per-role, per-column CRUD grants over the metadata
// mirror.
package perm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openbase-hq/openbase/internal/metastore"
)

// Flags is a CRUD bitmask. The zero value grants nothing.
type Flags int

const (
	FlagCreate Flags = 1 << iota
	FlagRead
	FlagUpdate
	FlagDelete

	FlagAll = FlagCreate | FlagRead | FlagUpdate | FlagDelete
)

func (f Flags) Has(other Flags) bool { return f&other == other }

func (f Flags) With(other Flags) Flags { return f | other }

func (f Flags) Without(other Flags) Flags { return f &^ other }

// String renders the mask in crud order, dashes for absent grants.
func (f Flags) String() string {
	var b strings.Builder
	for _, part := range []struct {
		flag Flags
		ch   byte
	}{
		{FlagCreate, 'c'},
		{FlagRead, 'r'},
		{FlagUpdate, 'u'},
		{FlagDelete, 'd'},
	} {
		if f.Has(part.flag) {
			b.WriteByte(part.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ParseFlags reads a mask in the String format or as a subset of "crud".
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, ch := range strings.ToLower(s) {
		switch ch {
		case 'c':
			f = f.With(FlagCreate)
		case 'r':
			f = f.With(FlagRead)
		case 'u':
			f = f.With(FlagUpdate)
		case 'd':
			f = f.With(FlagDelete)
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission flag %q", string(ch))
		}
	}
	return f, nil
}

// Gate answers permission questions and manages role lifecycle against the
// mirror.
type Gate struct {
	store metastore.Store
}

func NewGate(store metastore.Store) *Gate {
	return &Gate{store: store}
}

// CreateRole registers a role and seeds a zero-flag permission row for every
// column currently in the mirror, so later grants are pure updates.
func (g *Gate) CreateRole(ctx context.Context, name string) (int64, error) {
	if _, err := g.store.RoleByName(ctx, name); err == nil {
		return 0, fmt.Errorf("role %q already exists", name)
	}
	roleID, err := g.store.CreateRole(ctx, name)
	if err != nil {
		return 0, err
	}

	columnIDs, err := g.allColumnIDs(ctx)
	if err != nil {
		return 0, err
	}
	if err := g.store.AddPermissionRecords(ctx, []int64{roleID}, columnIDs); err != nil {
		return 0, err
	}
	return roleID, nil
}

func (g *Gate) DeleteRole(ctx context.Context, name string) error {
	role, err := g.store.RoleByName(ctx, name)
	if err != nil {
		return fmt.Errorf("role %q not found", name)
	}
	return g.store.DeleteRole(ctx, role.ID)
}

func (g *Gate) SetPermission(ctx context.Context, roleName string, columnID int64, flags Flags) error {
	role, err := g.store.RoleByName(ctx, roleName)
	if err != nil {
		return fmt.Errorf("role %q not found", roleName)
	}
	return g.store.SetPermission(ctx, role.ID, columnID, int(flags))
}

// Permissions returns the role's full grant set keyed by column ID.
func (g *Gate) Permissions(ctx context.Context, roleName string) (map[int64]Flags, error) {
	role, err := g.store.RoleByName(ctx, roleName)
	if err != nil {
		return nil, fmt.Errorf("role %q not found", roleName)
	}
	recs, err := g.store.PermissionsForRole(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	grants := make(map[int64]Flags, len(recs))
	for _, rec := range recs {
		grants[rec.ColumnID] = Flags(rec.Flags)
	}
	return grants, nil
}

// EntityAccess is the readable slice of one entity for a role.
type EntityAccess struct {
	Entity string
	Tables map[string][]string
}

// AccessibleEntities walks a source's mirror and returns only the entities,
// tables and columns the role can read.
func (g *Gate) AccessibleEntities(ctx context.Context, roleName string, sourceID int64) ([]EntityAccess, error) {
	grants, err := g.Permissions(ctx, roleName)
	if err != nil {
		return nil, err
	}

	entities, err := g.store.EntitiesBySource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var access []EntityAccess
	for _, entity := range entities {
		tables, err := g.store.TablesByEntity(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		ea := EntityAccess{Entity: entity.Name, Tables: make(map[string][]string)}
		for _, tbl := range tables {
			columns, err := g.store.ColumnsByTable(ctx, tbl.ID)
			if err != nil {
				return nil, err
			}
			var readable []string
			for _, col := range columns {
				if grants[col.ID].Has(FlagRead) {
					readable = append(readable, col.Name)
				}
			}
			if len(readable) > 0 {
				ea.Tables[tbl.Name] = readable
			}
		}
		if len(ea.Tables) > 0 {
			access = append(access, ea)
		}
	}
	return access, nil
}

func (g *Gate) allColumnIDs(ctx context.Context) ([]int64, error) {
	sources, err := g.store.ListDataSources(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, src := range sources {
		entities, err := g.store.EntitiesBySource(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		for _, entity := range entities {
			tables, err := g.store.TablesByEntity(ctx, entity.ID)
			if err != nil {
				return nil, err
			}
			for _, tbl := range tables {
				columns, err := g.store.ColumnsByTable(ctx, tbl.ID)
				if err != nil {
					return nil, err
				}
				for _, col := range columns {
					ids = append(ids, col.ID)
				}
			}
		}
	}
	return ids, nil
}
