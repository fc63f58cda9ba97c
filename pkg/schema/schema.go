// Package schema describes the relational tables the merge engine works over.
//
// The description is assembled once at start-up and replaces runtime model
// introspection: every foreign key and many-to-many field that can point at an
// entity is declared here, so relations can be enumerated statically.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// IDColumn is the primary key column every table carries.
const IDColumn = "id"

// Column describes a single table column.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
	// References names the table a foreign key column points at.
	References string
	// RelatedName names the reverse side of a foreign key, e.g. "subsidiaries".
	RelatedName string
}

// IsForeignKey reports whether the column references another table.
func (c Column) IsForeignKey() bool {
	return c.References != ""
}

// FieldName is the relation name of a foreign key column ("company_id" -> "company").
func (c Column) FieldName() string {
	return strings.TrimSuffix(c.Name, "_id")
}

// ManyToMany describes a many-to-many field stored in a through table.
type ManyToMany struct {
	Name         string
	Through      string
	OwnerColumn  string
	TargetColumn string
	Target       string
}

// Table describes a table, its columns, many-to-many fields and unique constraints.
type Table struct {
	Name       string
	Columns    []Column
	ManyToMany []ManyToMany
	Unique     [][]string
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the table declares the column.
func (t Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ManyToManyField returns the named many-to-many field.
func (t Table) ManyToManyField(name string) (ManyToMany, bool) {
	for _, m := range t.ManyToMany {
		if m.Name == name {
			return m, true
		}
	}
	return ManyToMany{}, false
}

// Relation is a reference from one table to another, either a foreign key
// column or a many-to-many field.
type Relation struct {
	// Table owns the field.
	Table string
	// Field is the relation name on the owning table.
	Field string
	// Column holds the referenced id, on Table for a foreign key or on Through
	// for a many-to-many.
	Column string
	// Through and OwnerColumn are set for many-to-many relations.
	Through     string
	OwnerColumn string
	// Target is the referenced table.
	Target string
	// Name is the diagnostic name used when the relation blocks a merge.
	Name string
}

// IsManyToMany reports whether the relation is stored in a through table.
func (r Relation) IsManyToMany() bool {
	return r.Through != ""
}

// Key identifies the relation as "table.field".
func (r Relation) Key() string {
	return RelationKey(r.Table, r.Field)
}

// RowTable is the table whose rows hold the referencing column.
func (r Relation) RowTable() string {
	if r.IsManyToMany() {
		return r.Through
	}
	return r.Table
}

// RelationKey builds the "table.field" identifier used by merge configurations.
func RelationKey(table, field string) string {
	return table + "." + field
}

// Schema is an immutable set of table descriptions.
type Schema struct {
	tables []Table
	byName map[string]int
}

// New validates and assembles a schema.
func New(tables ...Table) (*Schema, error) {
	s := &Schema{
		tables: tables,
		byName: make(map[string]int, len(tables)),
	}

	for i, t := range tables {
		if _, exists := s.byName[t.Name]; exists {
			return nil, fmt.Errorf("schema: duplicate table %q", t.Name)
		}
		if !t.HasColumn(IDColumn) {
			return nil, fmt.Errorf("schema: table %q has no %q column", t.Name, IDColumn)
		}
		s.byName[t.Name] = i
	}

	for _, t := range tables {
		for _, c := range t.Columns {
			if c.IsForeignKey() {
				if _, ok := s.byName[c.References]; !ok {
					return nil, fmt.Errorf("schema: %s.%s references unknown table %q", t.Name, c.Name, c.References)
				}
			}
		}
		for _, m := range t.ManyToMany {
			through, ok := s.Table(m.Through)
			if !ok {
				return nil, fmt.Errorf("schema: %s.%s uses unknown through table %q", t.Name, m.Name, m.Through)
			}
			if _, ok := s.byName[m.Target]; !ok {
				return nil, fmt.Errorf("schema: %s.%s targets unknown table %q", t.Name, m.Name, m.Target)
			}
			if !through.HasColumn(m.OwnerColumn) || !through.HasColumn(m.TargetColumn) {
				return nil, fmt.Errorf("schema: through table %q is missing %q or %q", m.Through, m.OwnerColumn, m.TargetColumn)
			}
		}
		for _, u := range t.Unique {
			for _, col := range u {
				if !t.HasColumn(col) {
					return nil, fmt.Errorf("schema: unique constraint on %s references unknown column %q", t.Name, col)
				}
			}
		}
	}

	return s, nil
}

// MustNew is New that panics on an invalid schema.
func MustNew(tables ...Table) *Schema {
	s, err := New(tables...)
	if err != nil {
		panic(err)
	}
	return s
}

// Table returns the named table.
func (s *Schema) Table(name string) (Table, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Table{}, false
	}
	return s.tables[i], true
}

// Tables returns all tables in declaration order.
func (s *Schema) Tables() []Table {
	return s.tables
}

// RelationsTo enumerates every relation that can reference rows of table:
// foreign key columns on ordinary tables and many-to-many fields. Columns on
// through tables are reported through their many-to-many field only.
func (s *Schema) RelationsTo(table string) []Relation {
	throughColumns := s.throughColumns()

	var relations []Relation
	for _, t := range s.tables {
		for _, c := range t.Columns {
			if c.References != table || throughColumns[RelationKey(t.Name, c.Name)] {
				continue
			}
			rel := Relation{
				Table:  t.Name,
				Field:  c.FieldName(),
				Column: c.Name,
				Target: table,
				Name:   c.RelatedName,
			}
			if rel.Name == "" {
				rel.Name = rel.Key()
			}
			relations = append(relations, rel)
		}
		for _, m := range t.ManyToMany {
			if m.Target != table {
				continue
			}
			relations = append(relations, Relation{
				Table:       t.Name,
				Field:       m.Name,
				Column:      m.TargetColumn,
				Through:     m.Through,
				OwnerColumn: m.OwnerColumn,
				Target:      table,
				Name:        RelationKey(t.Name, m.Name),
			})
		}
	}

	sort.SliceStable(relations, func(i, j int) bool {
		return relations[i].Key() < relations[j].Key()
	})
	return relations
}

// Relation finds the relation named by table and field that references target.
func (s *Schema) Relation(table, field, target string) (Relation, bool) {
	for _, rel := range s.RelationsTo(target) {
		if rel.Table == table && rel.Field == field {
			return rel, true
		}
	}
	return Relation{}, false
}

// SelfReferences lists the table's foreign key columns that point back at the
// table itself.
func (s *Schema) SelfReferences(table string) []Column {
	t, ok := s.Table(table)
	if !ok {
		return nil
	}

	var cols []Column
	for _, c := range t.Columns {
		if c.References == table {
			cols = append(cols, c)
		}
	}
	return cols
}

func (s *Schema) throughColumns() map[string]bool {
	cols := make(map[string]bool)
	for _, t := range s.tables {
		for _, m := range t.ManyToMany {
			cols[RelationKey(m.Through, m.OwnerColumn)] = true
			cols[RelationKey(m.Through, m.TargetColumn)] = true
		}
	}
	return cols
}
