// Package normalize applies synonym dictionaries and canonical contracts to
// discovered schemas, and realigns raw rows into canonical column order
// during materialization.
package normalize

import (
	"fmt"

	"uscsv/internal/canonical"
	"uscsv/internal/model"
	"uscsv/internal/synonyms"
)

// Service rewrites schema columns with normalized names and binds canonical
// contracts by (namespace, id, version) back-reference.
type Service struct {
	Synonyms *synonyms.Dictionary
	Registry *canonical.Registry
}

// Apply mutates the mapping in place and returns it.
func (s *Service) Apply(m model.Mapping) model.Mapping {
	dict := s.Synonyms
	if dict == nil {
		dict = synonyms.Empty()
	}
	for si := range m.Schemas {
		schema := &m.Schemas[si]
		for ci := range schema.Columns {
			applyToColumn(&schema.Columns[ci], dict)
		}
		s.applyContract(schema)
	}
	return m
}

func applyToColumn(col *model.SchemaColumn, dict *synonyms.Dictionary) {
	raw := col.RawName
	if raw == "" {
		raw = col.NormalizedName
	}
	if raw == "" {
		raw = fmt.Sprintf("column_%d", col.Index+1)
	}
	normalized := dict.Normalize(raw)
	col.NormalizedName = normalized
	for _, candidate := range []string{raw, normalized} {
		if candidate == "" {
			continue
		}
		if !containsString(col.KnownVariants, candidate) {
			col.KnownVariants = append(col.KnownVariants, candidate)
		}
	}
}

func (s *Service) applyContract(schema *model.SchemaDefinition) {
	if s.Registry == nil {
		return
	}
	contract, ok := s.Registry.Resolve(*schema)
	if !ok {
		return
	}
	schema.CanonicalNamespace = contract.Namespace
	schema.CanonicalSchemaID = contract.ID
	schema.CanonicalSchemaVersion = contract.Version

	bySlug := map[string]*model.SchemaColumn{}
	for ci := range schema.Columns {
		col := &schema.Columns[ci]
		name := col.NormalizedName
		if name == "" {
			name = col.RawName
		}
		slug := synonyms.Canonicalize(name)
		if slug != "" {
			if _, exists := bySlug[slug]; !exists {
				bySlug[slug] = col
			}
		}
	}
	for _, spec := range contract.Columns {
		if col, ok := bySlug[synonyms.Canonicalize(spec.Name)]; ok {
			col.DataType = spec.DataType
		}
	}
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
