package merging

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/datahub/pkg/models"
)

// EntityDescription is the registry entry of one entity type as operators see it.
type EntityDescription struct {
	Type           models.EntityType          `json:"type" yaml:"type"`
	Table          string                     `json:"table" yaml:"table"`
	Comment        string                     `json:"comment" yaml:"comment"`
	Configurations []ConfigurationDescription `json:"configurations" yaml:"configurations"`
	Allowed        []string                   `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	FieldMerge     []string                   `json:"field_merge,omitempty" yaml:"field_merge,omitempty"`
}

type ConfigurationDescription struct {
	Model    string   `json:"model" yaml:"model"`
	Label    string   `json:"label" yaml:"label"`
	Fields   []string `json:"fields" yaml:"fields"`
	Strategy string   `json:"strategy" yaml:"strategy"`
	Keys     []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	Links    []string `json:"links,omitempty" yaml:"links,omitempty"`
	Cascades []string `json:"cascades,omitempty" yaml:"cascades,omitempty"`
}

// Describe lists every registered entity type in name order.
func (r *Registry) Describe() []EntityDescription {
	types := r.EntityTypes()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	out := make([]EntityDescription, 0, len(types))
	for _, t := range types {
		ent := r.entities[t]
		desc := EntityDescription{
			Type:    t,
			Table:   ent.Table,
			Comment: ent.Comment,
			Allowed: append([]string(nil), ent.Allowed...),
		}
		if fm := ent.FieldMerge; fm != nil {
			desc.FieldMerge = append(append([]string(nil), fm.Fields...), fm.AddressFields...)
		}

		for _, c := range ent.configurations {
			cd := ConfigurationDescription{
				Model:    c.Model,
				Label:    c.Label,
				Fields:   append([]string(nil), c.Fields...),
				Strategy: c.Strategy.Kind.String(),
				Keys:     append([]string(nil), c.Strategy.Keys...),
			}
			for _, link := range c.Strategy.Links {
				cd.Links = append(cd.Links, fmt.Sprintf("%s <- %s", link.Column, link.Trigger))
			}
			for _, cascade := range c.Cascades {
				cd.Cascades = append(cd.Cascades, fmt.Sprintf("%s.%s (by %s)", cascade.Table, cascade.Column, cascade.LinkColumn))
			}
			desc.Configurations = append(desc.Configurations, cd)
		}
		out = append(out, desc)
	}
	return out
}
