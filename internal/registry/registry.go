// Package registry maps record type names to factories for their Go
// representation. The supported type set is closed: it is populated
// once at startup and the server rejects any type name that was not
// registered.
package registry

import (
	"encoding/json"
	"fmt"

	"ledgerstore/internal/models"
)

// Factory creates an empty record of one registered type.
type Factory func() models.Record

// Registry is the typeName → factory table. Populate it at startup;
// it must not be mutated once the server is serving.
type Registry struct {
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for typeName, replacing any previous one.
func (r *Registry) Register(typeName string, f Factory) {
	r.factories[typeName] = f
}

// RegisterDocument registers typeName as a schema-free document type.
func (r *Registry) RegisterDocument(typeName string) {
	r.Register(typeName, func() models.Record {
		return models.NewDocument(typeName, "")
	})
}

// Known reports whether typeName was registered.
func (r *Registry) Known(typeName string) bool {
	_, ok := r.factories[typeName]
	return ok
}

// TypeNames returns all registered type names.
func (r *Registry) TypeNames() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Decode unmarshals data into a fresh record of the given type.
func (r *Registry) Decode(typeName string, data []byte) (models.Record, error) {
	f, ok := r.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown record type %q", typeName)
	}
	rec := f()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", typeName, err)
	}
	return rec, nil
}
