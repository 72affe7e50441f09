package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind identifies the shape of a schema node
type Kind int

const (
	String Kind = iota + 1
	Integer
	Number
	Boolean
	Array
	Object
)

// String returns the tag used for scalar kinds in the tag form of a schema
func (k Kind) String() string {
	switch k {
	case String:
		return "str"
	case Integer:
		return "int"
	case Number:
		return "float"
	case Boolean:
		return "bool"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var tags = map[string]Kind{
	"str":     String,
	"string":  String,
	"int":     Integer,
	"integer": Integer,
	"float":   Number,
	"number":  Number,
	"bool":    Boolean,
	"boolean": Boolean,
}

// Field is a named member of an object schema
type Field struct {
	Name string
	Type *Type
}

// Type is one node of a schema. Objects keep their fields in declaration order.
type Type struct {
	Kind   Kind
	Fields []Field // Object only
	Items  *Type   // Array only
}

// Parse reads the tag form of a schema, e.g.
//
//	{"invoice_number": "str", "items": [{"quantity": "int", "rate": "float"}]}
//
// The root must be an object. Arrays hold exactly one item schema.
func Parse(data []byte) (*Type, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	t, err := parseNode(dec, "$")
	if err != nil {
		return nil, err
	}
	if t.Kind != Object {
		return nil, fmt.Errorf("schema root must be an object, got %s", t.Kind)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after schema")
	}
	return t, nil
}

// MustParse is Parse for package-level schema literals
func MustParse(data string) *Type {
	t, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return t
}

func parseNode(dec *json.Decoder, path string) (*Type, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading schema at %s: %w", path, err)
	}

	switch v := tok.(type) {
	case string:
		kind, ok := tags[strings.ToLower(strings.TrimSpace(v))]
		if !ok {
			return nil, fmt.Errorf("unknown type tag %q at %s", v, path)
		}
		return &Type{Kind: kind}, nil
	case json.Delim:
		switch v {
		case '{':
			return parseObject(dec, path)
		case '[':
			if !dec.More() {
				return nil, fmt.Errorf("array schema at %s has no item schema", path)
			}
			items, err := parseNode(dec, path+"[]")
			if err != nil {
				return nil, err
			}
			if dec.More() {
				return nil, fmt.Errorf("array schema at %s must have exactly one item schema", path)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("reading schema at %s: %w", path, err)
			}
			return &Type{Kind: Array, Items: items}, nil
		}
	}
	return nil, fmt.Errorf("unexpected %v at %s", tok, path)
}

func parseObject(dec *json.Decoder, path string) (*Type, error) {
	t := &Type{Kind: Object}
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading schema at %s: %w", path, err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected field name at %s", path)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate field %q at %s", name, path)
		}
		seen[name] = true

		ft, err := parseNode(dec, path+"."+name)
		if err != nil {
			return nil, err
		}
		t.Fields = append(t.Fields, Field{Name: name, Type: ft})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading schema at %s: %w", path, err)
	}
	if len(t.Fields) == 0 {
		return nil, fmt.Errorf("object schema at %s has no fields", path)
	}
	return t, nil
}

// MarshalJSON writes the tag form back out, preserving field order
func (t *Type) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.writeTags(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Type) writeTags(buf *bytes.Buffer) error {
	switch t.Kind {
	case Object:
		buf.WriteByte('{')
		for i, f := range t.Fields {
			if i > 0 {
				buf.WriteString(", ")
			}
			name, err := json.Marshal(f.Name)
			if err != nil {
				return err
			}
			buf.Write(name)
			buf.WriteString(": ")
			if err := f.Type.writeTags(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case Array:
		buf.WriteByte('[')
		if err := t.Items.writeTags(buf); err != nil {
			return err
		}
		buf.WriteByte(']')
	case String, Integer, Number, Boolean:
		fmt.Fprintf(buf, "%q", t.Kind.String())
	default:
		return fmt.Errorf("cannot marshal %s", t.Kind)
	}
	return nil
}

// JSONSchema derives a JSON Schema document. Every field is required and no
// additional properties are allowed, so a missing key is a violation.
func (t *Type) JSONSchema() map[string]any {
	switch t.Kind {
	case Object:
		props := make(map[string]any, len(t.Fields))
		required := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			props[f.Name] = f.Type.JSONSchema()
			required = append(required, f.Name)
		}
		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
	case Array:
		return map[string]any{"type": "array", "items": t.Items.JSONSchema()}
	case String:
		return map[string]any{"type": "string"}
	case Integer:
		return map[string]any{"type": "integer", "minimum": 0}
	case Number:
		return map[string]any{"type": "number", "minimum": 0}
	case Boolean:
		return map[string]any{"type": "boolean"}
	}
	return map[string]any{}
}

// Validate checks a JSON document against the derived JSON Schema
func (t *Type) Validate(doc []byte) error {
	b, err := json.Marshal(t.JSONSchema())
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
