package schema

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// FieldDef describes one declared field of an entity, relation, or event.
type FieldDef struct {
	// Name is the wire name (tag name or snake_case of the Go field name).
	Name string
	// GoName is the struct field name.
	GoName string
	// Spec is the canonical type spec of the field.
	Spec *Spec
	// TypeString is the legacy-style type description, kept alongside the
	// spec so older stores remain comparable.
	TypeString string

	PrimaryKey  bool
	InstanceKey bool
	Index       bool
}

// ParseFields extracts FieldDefs from a struct type's `onto` tags.
//
// Tag form: `onto:"name,flag,..."` with flags primary_key, instance_key,
// index. Fields tagged `onto:"-"` and unexported non-embedded fields are
// skipped. Untagged embedded structs, exported or not, are flattened
// recursively (used for relation endpoints).
func ParseFields(t reflect.Type) ([]FieldDef, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type %s is not a struct", t)
	}

	var out []FieldDef
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Tag.Get("onto") == "" {
			nested, err := ParseFields(f.Type)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		if !f.IsExported() {
			continue
		}

		tag := f.Tag.Get("onto")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = snakeCase(f.Name)
		}

		def := FieldDef{Name: name, GoName: f.Name, TypeString: f.Type.String()}
		for _, opt := range strings.Split(opts, ",") {
			switch strings.TrimSpace(opt) {
			case "":
			case "primary_key":
				def.PrimaryKey = true
			case "instance_key":
				def.InstanceKey = true
			case "index":
				def.Index = true
			default:
				return nil, fmt.Errorf("field %s.%s: unknown onto tag option %q", t.Name(), f.Name, opt)
			}
		}

		spec, err := BuildSpec(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", t.Name(), f.Name, err)
		}
		def.Spec = spec
		out = append(out, def)
	}
	return out, nil
}

// snakeCase converts a Go identifier to its wire form: OrderID -> order_id.
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
