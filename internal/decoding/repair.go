package decoding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/zombor/invoice-reconciler/internal/schema"
)

// ErrMismatch means a decoded value does not have the shape its schema node requires
var ErrMismatch = errors.New("value does not match schema")

// repair rewrites doc so that it conforms to t. Conforming values are kept;
// each offending value is replaced by its default and reported at its path.
// Keys the schema does not name are dropped.
func repair(t *schema.Type, doc []byte) ([]byte, []*ExtractionError) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Default(t), []*ExtractionError{{Field: "$", Err: err}}
	}

	r := &repairer{}
	r.value(t, v, "")
	return r.buf.Bytes(), r.faults
}

type repairer struct {
	buf    bytes.Buffer
	faults []*ExtractionError
}

func (r *repairer) mismatch(t *schema.Type, path string, v any) {
	if path == "" {
		path = "$"
	}
	r.faults = append(r.faults, &ExtractionError{Field: path, Err: fmt.Errorf("%w: want %s, got %T", ErrMismatch, t.Kind, v)})
	writeDefault(&r.buf, t)
}

func (r *repairer) value(t *schema.Type, v any, path string) {
	switch t.Kind {
	case schema.Object:
		obj, ok := v.(map[string]any)
		if !ok {
			r.mismatch(t, path, v)
			return
		}
		r.object(t, obj, path)
	case schema.Array:
		items, ok := v.([]any)
		if !ok {
			r.mismatch(t, path, v)
			return
		}
		r.buf.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				r.buf.WriteString(", ")
			}
			r.value(t.Items, item, fmt.Sprintf("%s[%d]", path, i))
		}
		r.buf.WriteByte(']')
	case schema.String:
		s, ok := v.(string)
		if !ok {
			r.mismatch(t, path, v)
			return
		}
		r.buf.WriteString(quote(s))
	case schema.Integer:
		n, ok := v.(json.Number)
		if !ok {
			r.mismatch(t, path, v)
			return
		}
		if i, err := n.Int64(); err != nil || i < 0 {
			r.mismatch(t, path, v)
			return
		}
		r.buf.WriteString(n.String())
	case schema.Number:
		n, ok := v.(json.Number)
		if !ok {
			r.mismatch(t, path, v)
			return
		}
		if f, err := n.Float64(); err != nil || f < 0 {
			r.mismatch(t, path, v)
			return
		}
		r.buf.WriteString(n.String())
	case schema.Boolean:
		b, ok := v.(bool)
		if !ok {
			r.mismatch(t, path, v)
			return
		}
		if b {
			r.buf.WriteString("true")
		} else {
			r.buf.WriteString("false")
		}
	}
}

func (r *repairer) object(t *schema.Type, obj map[string]any, path string) {
	known := make(map[string]bool, len(t.Fields))
	r.buf.WriteByte('{')
	for i, f := range t.Fields {
		known[f.Name] = true
		if i > 0 {
			r.buf.WriteString(", ")
		}
		r.buf.WriteString(quote(f.Name))
		r.buf.WriteString(": ")

		fieldPath := f.Name
		if path != "" {
			fieldPath = path + "." + f.Name
		}
		fv, ok := obj[f.Name]
		if !ok {
			r.faults = append(r.faults, &ExtractionError{Field: fieldPath, Err: fmt.Errorf("%w: missing", ErrMismatch)})
			writeDefault(&r.buf, f.Type)
			continue
		}
		r.value(f.Type, fv, fieldPath)
	}
	r.buf.WriteByte('}')

	var extra []string
	for k := range obj {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		fieldPath := k
		if path != "" {
			fieldPath = path + "." + k
		}
		r.faults = append(r.faults, &ExtractionError{Field: fieldPath, Err: fmt.Errorf("%w: unexpected key", ErrMismatch)})
	}
}
