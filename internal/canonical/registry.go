// Package canonical loads canonical schema contracts and validates rows
// against them.
package canonical

import (
	"encoding/json"
	"os"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

type registryKey struct {
	namespace string
	id        string
	version   string
}

// Registry is an in-memory store of canonical contracts keyed by
// (namespace, id, version).
type Registry struct {
	schemas map[registryKey]model.CanonicalSchema
	// latest version string per (namespace, id), by registration order.
	latest map[[2]string]string
}

func NewRegistry() *Registry {
	return &Registry{
		schemas: map[registryKey]model.CanonicalSchema{},
		latest:  map[[2]string]string{},
	}
}

// Register installs (or replaces) a contract version.
func (r *Registry) Register(schema model.CanonicalSchema) {
	if schema.Namespace == "" {
		schema.Namespace = "default"
	}
	if schema.Version == "" {
		schema.Version = "1.0.0"
	}
	r.schemas[registryKey{schema.Namespace, schema.ID, schema.Version}] = schema
	r.latest[[2]string{schema.Namespace, schema.ID}] = schema.Version
}

// Get fetches one exact contract version. Empty namespace means "default";
// empty version resolves to the most recently registered one.
func (r *Registry) Get(namespace, id, version string) (model.CanonicalSchema, bool) {
	if namespace == "" {
		namespace = "default"
	}
	if version == "" {
		version = r.latest[[2]string{namespace, id}]
	}
	s, ok := r.schemas[registryKey{namespace, id, version}]
	return s, ok
}

// Len reports the number of registered contract versions.
func (r *Registry) Len() int { return len(r.schemas) }

// LoadRegistry reads contracts from a JSON file holding either
// {"schemas": [...]} or a bare list. A missing file returns an empty
// registry so the feature stays optional.
func LoadRegistry(path string) (*Registry, error) {
	reg := NewRegistry()
	if path == "" {
		return reg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "read canonical schemas %s", path)
	}

	var doc struct {
		Schemas []model.CanonicalSchema `json:"schemas"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Schemas) == 0 {
		var list []model.CanonicalSchema
		if lerr := json.Unmarshal(raw, &list); lerr != nil {
			if err == nil {
				err = lerr
			}
			return nil, errs.Wrap(errs.ParsingError, err, "decode canonical schemas %s", path)
		}
		doc.Schemas = list
	}
	for _, s := range doc.Schemas {
		reg.Register(s)
	}
	return reg, nil
}

// Resolve finds the contract bound to a discovered schema: the explicit
// back-reference first, then the schema name as contract id.
func (r *Registry) Resolve(schema model.SchemaDefinition) (model.CanonicalSchema, bool) {
	if schema.CanonicalSchemaID != "" {
		if s, ok := r.Get(schema.CanonicalNamespace, schema.CanonicalSchemaID, schema.CanonicalSchemaVersion); ok {
			return s, true
		}
	}
	if schema.Name != "" {
		if s, ok := r.Get(schema.CanonicalNamespace, schema.Name, ""); ok {
			return s, true
		}
	}
	// Last resort: match the id across namespaces.
	if schema.CanonicalSchemaID != "" {
		for key, s := range r.schemas {
			if key.id == schema.CanonicalSchemaID {
				return s, true
			}
		}
	}
	return model.CanonicalSchema{}, false
}
