package merging

import (
	"fmt"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// StrategyKind selects how rows of a relation are re-pointed.
type StrategyKind int

const (
	// StrategyDefault sets the field to the target (or swaps the
	// many-to-many link).
	StrategyDefault StrategyKind = iota
	// StrategyDedupe deletes the source's row when the target already has a
	// row with the same key, and moves it otherwise.
	StrategyDedupe
	// StrategySkipIfExists leaves the source's row untouched when the target
	// already has a row with the same key, and moves it otherwise.
	StrategySkipIfExists
	// StrategyDerived rows follow the trigger rows they link to through the
	// trigger's cascades; only rows with every link NULL are moved directly.
	StrategyDerived
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyDefault:
		return "default"
	case StrategyDedupe:
		return "dedupe"
	case StrategySkipIfExists:
		return "skip_if_exists"
	case StrategyDerived:
		return "derived"
	default:
		return fmt.Sprintf("strategy(%d)", int(k))
	}
}

// Link ties a column of a derived model to the relation that triggers it.
type Link struct {
	Column  string
	Trigger string
}

// Strategy is the updater used for a configuration.
type Strategy struct {
	Kind StrategyKind
	// Keys identify a duplicate together with the relation column. For
	// many-to-many relations the owner column is always part of the key.
	Keys  []string
	Links []Link
}

func Default() Strategy {
	return Strategy{Kind: StrategyDefault}
}

func DedupeBy(keys ...string) Strategy {
	return Strategy{Kind: StrategyDedupe, Keys: keys}
}

func SkipIfExists(keys ...string) Strategy {
	return Strategy{Kind: StrategySkipIfExists, Keys: keys}
}

func DerivedFrom(links ...Link) Strategy {
	return Strategy{Kind: StrategyDerived, Links: links}
}

// Cascade moves dependent rows along with a re-pointed foreign key row: rows of
// Table whose LinkColumn holds the moved row's id and whose Column holds the
// source are re-pointed to the target.
type Cascade struct {
	Table      string
	LinkColumn string
	Column     string
}

// Configuration declares which fields of a related model are re-pointed and how.
type Configuration struct {
	Model    string
	Fields   []string
	Strategy Strategy
	// Cascades apply to foreign key fields only.
	Cascades []Cascade
	Label    string
	Plural   string
}

// FieldMerge fills empty fields on the target from the source.
type FieldMerge struct {
	Fields []string
	// AddressFields are skipped when the target's AddressSameAs column is true.
	AddressFields []string
	AddressSameAs string
}

// EntityConfig is the merge configuration of one entity type.
type EntityConfig struct {
	Type           models.EntityType
	Table          string
	Comment        string
	Configurations []Configuration
	// Allowed relations may reference the source but are not moved.
	Allowed     []string
	DisplayName func(store.Row) string
	FieldMerge  *FieldMerge
}

type boundConfiguration struct {
	Configuration
	relations []schema.Relation
	// triggers holds the relation of each derived link, in link order.
	triggers []schema.Relation
}

type entity struct {
	EntityConfig
	configurations []boundConfiguration
	allowed        map[string]bool
}

func (e *entity) displayName(row store.Row) string {
	if e.DisplayName != nil {
		if name := e.DisplayName(row); name != "" {
			return name
		}
	}
	return row.ID()
}

// Registry holds the validated merge configuration of every entity type.
type Registry struct {
	schema   *schema.Schema
	entities map[models.EntityType]*entity
}

// NewRegistry validates the configurations against the schema.
func NewRegistry(s *schema.Schema, configs ...EntityConfig) (*Registry, error) {
	r := &Registry{schema: s, entities: make(map[models.EntityType]*entity, len(configs))}

	for _, cfg := range configs {
		ent, err := bind(s, cfg)
		if err != nil {
			return nil, fmt.Errorf("merge configuration for %s: %w", cfg.Type, err)
		}
		r.entities[cfg.Type] = ent
	}

	return r, nil
}

// DefaultRegistry returns the company and contact configurations.
func DefaultRegistry(s *schema.Schema) (*Registry, error) {
	return NewRegistry(s, CompanyConfig(), ContactConfig())
}

// Schema returns the schema the registry was validated against.
func (r *Registry) Schema() *schema.Schema {
	return r.schema
}

// EntityTypes lists the registered entity types.
func (r *Registry) EntityTypes() []models.EntityType {
	types := make([]models.EntityType, 0, len(r.entities))
	for t := range r.entities {
		types = append(types, t)
	}
	return types
}

func (r *Registry) entity(t models.EntityType) (*entity, error) {
	ent, ok := r.entities[t]
	if !ok {
		return nil, fmt.Errorf("no merge configuration for entity type %q", t)
	}
	return ent, nil
}

func bind(s *schema.Schema, cfg EntityConfig) (*entity, error) {
	if _, ok := s.Table(cfg.Table); !ok {
		return nil, fmt.Errorf("unknown table %q", cfg.Table)
	}

	ent := &entity{EntityConfig: cfg, allowed: make(map[string]bool)}
	processed := map[string]schema.Relation{}

	for _, c := range cfg.Configurations {
		bc := boundConfiguration{Configuration: c}
		if bc.Label == "" {
			bc.Label = c.Model
		}
		if bc.Plural == "" {
			bc.Plural = bc.Label
		}

		for _, field := range c.Fields {
			rel, ok := s.Relation(c.Model, field, cfg.Table)
			if !ok {
				return nil, fmt.Errorf("%s.%s is not a relation to %s", c.Model, field, cfg.Table)
			}
			if err := checkStrategy(s, c, rel, processed); err != nil {
				return nil, err
			}
			bc.relations = append(bc.relations, rel)
			ent.allowed[rel.Key()] = true
			processed[rel.Key()] = rel
		}

		for _, link := range c.Strategy.Links {
			bc.triggers = append(bc.triggers, processed[link.Trigger])
		}

		for _, cascade := range c.Cascades {
			t, ok := s.Table(cascade.Table)
			if !ok || !t.HasColumn(cascade.LinkColumn) || !t.HasColumn(cascade.Column) {
				return nil, fmt.Errorf("invalid cascade %s(%s, %s) on %s", cascade.Table, cascade.LinkColumn, cascade.Column, c.Model)
			}
		}

		ent.configurations = append(ent.configurations, bc)
	}

	known := ectolinq.Map(s.RelationsTo(cfg.Table), func(rel schema.Relation) string { return rel.Key() })
	for _, key := range cfg.Allowed {
		if !ectolinq.Contains(known, key) {
			return nil, fmt.Errorf("allowed relation %s does not reference %s", key, cfg.Table)
		}
		ent.allowed[key] = true
	}

	if fm := cfg.FieldMerge; fm != nil {
		t, _ := s.Table(cfg.Table)
		for _, col := range append(append([]string{fm.AddressSameAs}, fm.Fields...), fm.AddressFields...) {
			if col != "" && !t.HasColumn(col) {
				return nil, fmt.Errorf("field merge column %s is not a column of %s", col, cfg.Table)
			}
		}
	}

	return ent, nil
}

func checkStrategy(s *schema.Schema, c Configuration, rel schema.Relation, processed map[string]schema.Relation) error {
	rowTable, _ := s.Table(rel.RowTable())

	switch c.Strategy.Kind {
	case StrategyDedupe, StrategySkipIfExists:
		for _, key := range c.Strategy.Keys {
			if !rowTable.HasColumn(key) {
				return fmt.Errorf("%s key %s is not a column of %s", c.Strategy.Kind, key, rowTable.Name)
			}
		}
		if !rel.IsManyToMany() && len(c.Strategy.Keys) == 0 {
			return fmt.Errorf("%s on %s needs at least one key", c.Strategy.Kind, rel.Key())
		}
	case StrategyDerived:
		if rel.IsManyToMany() {
			return fmt.Errorf("derived relation %s must be a foreign key", rel.Key())
		}
		for _, link := range c.Strategy.Links {
			if !rowTable.HasColumn(link.Column) {
				return fmt.Errorf("derived link %s is not a column of %s", link.Column, rowTable.Name)
			}
			trigger, ok := processed[link.Trigger]
			if !ok {
				return fmt.Errorf("derived relation %s must come after its trigger %s", rel.Key(), link.Trigger)
			}
			if trigger.IsManyToMany() {
				return fmt.Errorf("derived relation %s needs a foreign key trigger, %s is many-to-many", rel.Key(), link.Trigger)
			}
		}
	}
	return nil
}

// duplicateKeys returns the columns that identify a duplicate row of rel.
func duplicateKeys(rel schema.Relation, strategy Strategy) []string {
	keys := append([]string(nil), strategy.Keys...)
	if rel.IsManyToMany() && !ectolinq.Contains(keys, rel.OwnerColumn) {
		keys = append(keys, rel.OwnerColumn)
	}
	return keys
}

// unlinked restricts a derived relation to the rows with every link NULL;
// linked rows only move through their trigger's cascade.
func unlinked(strategy Strategy) []store.Cond {
	if strategy.Kind != StrategyDerived {
		return nil
	}
	return ectolinq.Map(strategy.Links, func(link Link) store.Cond { return store.IsNull(link.Column) })
}
