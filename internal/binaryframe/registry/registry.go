// Package registry implements the compact, schema-driven Action payload
// used by REGISTRY envelopes: a fixed field list per action uid, with
// each field's wire layout set by its declared type. The action as a
// whole carries no length prefix; string fields carry their own.
package registry

import "fmt"

// FieldType is the wire representation of one Action field.
type FieldType int

const (
	FieldBool  FieldType = iota // 1 bit
	FieldStr                    // 8-bit length + bytes
	FieldStr16                  // 16-bit length + bytes
	FieldStr32                  // 32-bit length + bytes
)

// FieldSpec describes one field of an action schema, in declaration order.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
}

// Schema describes one registry action.
type Schema struct {
	UID    uint8
	Name   string
	Fields []FieldSpec
}

// Action is a decoded REGISTRY payload: the action name plus its field
// values, keyed by field name.
type Action struct {
	Name   string
	Values map[string]any
}

// table is the fixed action registry. uid is a 6-bit value (0-63).
var table = []Schema{
	{
		UID:  0,
		Name: "execute_tts",
		Fields: []FieldSpec{
			{Name: "utterance", Type: FieldStr16, Required: true},
			{Name: "expect_response", Type: FieldBool, Required: false, Default: false},
			{Name: "lang", Type: FieldStr, Required: false, Default: "auto"},
		},
	},
}

// ByUID looks up a schema by its 6-bit action id.
func ByUID(uid uint8) (Schema, bool) {
	for _, s := range table {
		if s.UID == uid {
			return s, true
		}
	}
	return Schema{}, false
}

// ByName looks up a schema by its action name.
func ByName(name string) (Schema, bool) {
	for _, s := range table {
		if s.Name == name {
			return s, true
		}
	}
	return Schema{}, false
}

// NewAction builds an Action for a registered schema, applying defaults
// for any field not present in values.
func NewAction(name string, values map[string]any) (*Action, error) {
	schema, ok := ByName(name)
	if !ok {
		return nil, fmt.Errorf("registry: unknown action %q", name)
	}

	out := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		if v, present := values[f.Name]; present {
			out[f.Name] = v
			continue
		}
		if f.Required {
			return nil, fmt.Errorf("registry: action %q missing required field %q", name, f.Name)
		}
		out[f.Name] = f.Default
	}

	return &Action{Name: name, Values: out}, nil
}
