package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the active variant of a ColumnType.
type Kind string

const (
	KindString    Kind = "string"
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindBool      Kind = "bool"
	KindDate      Kind = "date"
	KindTimestamp Kind = "timestamp"
	KindBlob      Kind = "blob"
	KindEnum      Kind = "enum"
)

// ColumnType is a tagged union: Kind selects the variant and only that
// variant's fields carry meaning. Bounds are derived from the source
// engine's native range for the subtype.
type ColumnType struct {
	Kind        Kind     `json:"type"`
	FixedLength bool     `json:"fixedLength,omitempty"`
	Length      int64    `json:"length,omitempty"`
	IntMin      int64    `json:"min,omitempty"`
	IntMax      uint64   `json:"max,omitempty"`
	FloatMin    float64  `json:"fmin,omitempty"`
	FloatMax    float64  `json:"fmax,omitempty"`
	BlobSize    int64    `json:"size,omitempty"`
	EnumValues  []string `json:"values,omitempty"`
}

func StringType(fixedLength bool, length int64) ColumnType {
	return ColumnType{Kind: KindString, FixedLength: fixedLength, Length: length}
}

func IntType(min int64, max uint64) ColumnType {
	return ColumnType{Kind: KindInt, IntMin: min, IntMax: max}
}

func FloatType(min, max float64) ColumnType {
	return ColumnType{Kind: KindFloat, FloatMin: min, FloatMax: max}
}

func BoolType() ColumnType { return ColumnType{Kind: KindBool} }

func DateType() ColumnType { return ColumnType{Kind: KindDate} }

func TimestampType() ColumnType { return ColumnType{Kind: KindTimestamp} }

func BlobType(size int64) ColumnType {
	return ColumnType{Kind: KindBlob, BlobSize: size}
}

func EnumType(values []string) ColumnType {
	return ColumnType{Kind: KindEnum, EnumValues: values}
}

// Encode returns the canonical JSON form persisted in the metadata mirror.
// Struct field order is fixed, so equal types always encode identically.
func (t ColumnType) Encode() string {
	b, _ := json.Marshal(t)
	return string(b)
}

func (t ColumnType) Equal(other ColumnType) bool {
	if t.Kind != other.Kind {
		return false
	}
	if len(t.EnumValues) != len(other.EnumValues) {
		return false
	}
	for i := range t.EnumValues {
		if t.EnumValues[i] != other.EnumValues[i] {
			return false
		}
	}
	return t.FixedLength == other.FixedLength && t.Length == other.Length &&
		t.IntMin == other.IntMin && t.IntMax == other.IntMax &&
		t.FloatMin == other.FloatMin && t.FloatMax == other.FloatMax &&
		t.BlobSize == other.BlobSize
}

// ForeignKey records where a column points and which target column is shown
// in place of the raw value. The display side is operator-configurable and
// independent of the join target.
type ForeignKey struct {
	TargetTable   string // qualified name of the referenced table
	TargetColumn  string
	DisplayTable  string // qualified name of the table holding DisplayColumn
	DisplayColumn string
}

type Column struct {
	Name         string
	Type         ColumnType
	Nullable     bool
	DefaultValue string
	Position     int
	IsPrimaryKey bool
	ForeignKey   *ForeignKey
}

// Table owns its columns, ordered by ordinal position. PrimaryKey is a
// back-reference into the column slice, never a separate copy.
type Table struct {
	Name       string
	Entity     *Entity
	PrimaryKey *Column
	UniqueKeys map[string][]*Column

	columns []*Column
	byName  map[string]*Column
}

func NewTable(name string, columns []*Column) *Table {
	sort.SliceStable(columns, func(i, j int) bool {
		return columns[i].Position < columns[j].Position
	})
	t := &Table{
		Name:       name,
		UniqueKeys: make(map[string][]*Column),
		columns:    columns,
		byName:     make(map[string]*Column, len(columns)),
	}
	for _, col := range columns {
		t.byName[col.Name] = col
		if col.IsPrimaryKey && t.PrimaryKey == nil {
			// First reported primary key wins; composite keys keep the rest
			// visible through UniqueKeys only.
			t.PrimaryKey = col
		}
	}
	return t
}

// Columns returns the table's columns sorted by ordinal position.
func (t *Table) Columns() []*Column { return t.columns }

func (t *Table) Column(name string) (*Column, bool) {
	col, ok := t.byName[name]
	return col, ok
}

// QualifiedName is the identifier used in generated SQL: entity.table for
// real entities, the bare table name when the entity is a dummy wrapper.
func (t *Table) QualifiedName() string {
	if t.Entity == nil || t.Entity.IsDummy {
		return t.Name
	}
	return t.Entity.Name + "." + t.Name
}

// Entity is one database/schema namespace within a data source. File-based
// engines get exactly one entity with IsDummy set, since they have no
// multi-database namespace.
type Entity struct {
	Name    string
	IsDummy bool
	Tables  map[string]*Table
}

func NewEntity(name string, tables []*Table) *Entity {
	e := &Entity{Name: name, Tables: make(map[string]*Table, len(tables))}
	for _, tbl := range tables {
		tbl.Entity = e
		e.Tables[tbl.Name] = tbl
	}
	return e
}

// SortedTables returns the entity's tables in name order, for deterministic
// iteration in sync and rendering paths.
func (e *Entity) SortedTables() []*Table {
	names := make([]string, 0, len(e.Tables))
	for name := range e.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	tables := make([]*Table, 0, len(names))
	for _, name := range names {
		tables = append(tables, e.Tables[name])
	}
	return tables
}

// SplitQualified resolves a qualified table name against an entity set.
// Dummy entities have no namespace prefix, so the whole name is the table.
func SplitQualified(qualified string, dummy bool) (entityName, tableName string) {
	if dummy {
		return "", qualified
	}
	if idx := strings.Index(qualified, "."); idx >= 0 {
		return qualified[:idx], qualified[idx+1:]
	}
	return "", qualified
}

// Operator is a comparison operator usable in a fetch filter.
type Operator string

const (
	OpEq   Operator = "="
	OpNeq  Operator = "!="
	OpGt   Operator = ">"
	OpLt   Operator = "<"
	OpGte  Operator = ">="
	OpLte  Operator = "<="
	OpLike Operator = "like"
)

func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpLike:
		return true
	}
	return false
}

// SQL returns the operator as it appears in a generated statement.
func (op Operator) SQL() string {
	if op == OpLike {
		return "LIKE"
	}
	return string(op)
}

// Filter is one conjunct of a fetch predicate. Filters always combine with
// AND; there is no OR support.
type Filter struct {
	Column   *Column
	Operator Operator
	Value    any
}

type Ordering struct {
	Column *Column
	Desc   bool
}

// FKValue replaces a raw foreign-key value in fetched rows: the raw id plus
// the configured display column's value from the target row.
type FKValue struct {
	ID      any    `json:"id"`
	Display any    `json:"display"`
}

func (v FKValue) String() string {
	return fmt.Sprintf("%v (%v)", v.Display, v.ID)
}
