package models

import "encoding/json"

// Document is a schema-free Record carrying arbitrary JSON fields. The
// server hosts business record types (invoices, customers, ...) without
// knowing their shape; only the "id" and "locked" fields are
// interpreted. The type name is fixed at construction and does not
// travel in the JSON body.
type Document struct {
	typeName string
	// Fields holds the record's JSON fields, including "id" and "locked".
	Fields map[string]any
}

// NewDocument creates an empty document of the given type. If id is
// non-empty it is stored in the "id" field.
func NewDocument(typeName, id string) *Document {
	d := &Document{typeName: typeName, Fields: map[string]any{}}
	if id != "" {
		d.Fields["id"] = id
	}
	return d
}

// TypeName implements Record.
func (d *Document) TypeName() string { return d.typeName }

// ID implements Record, reading the "id" field.
func (d *Document) ID() string {
	s, _ := d.Fields["id"].(string)
	return s
}

// Locked implements Record, reading the "locked" field.
func (d *Document) Locked() bool {
	b, _ := d.Fields["locked"].(bool)
	return b
}

// SetLocked implements Record, writing the "locked" field.
func (d *Document) SetLocked(v bool) {
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	d.Fields["locked"] = v
}

// Set stores an arbitrary field value.
func (d *Document) Set(key string, value any) {
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	d.Fields[key] = value
}

// Get reads an arbitrary field value.
func (d *Document) Get(key string) any { return d.Fields[key] }

// MarshalJSON encodes the document as its field map.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Fields)
}

// UnmarshalJSON decodes a JSON object into the field map.
func (d *Document) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Fields)
}
