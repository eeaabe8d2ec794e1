// Package schema describes entity, relation, and event types: canonical
// type-spec trees built from Go types, stored schema documents, fingerprint
// hashes, and drift diffs.
package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ontolog/ontolog/internal/canonicaljson"
)

// Spec kind discriminators. The tree is the authoritative schema description
// used for drift detection and column classification.
const (
	KindPrimitive = "primitive"
	KindList      = "list"
	KindDict      = "dict"
	KindUnion     = "union"
	KindTypedDict = "typed_dict"
	KindRef       = "ref"
)

// Primitive spec names.
const (
	PrimString = "string"
	PrimInt    = "int"
	PrimFloat  = "float"
	PrimBool   = "bool"
	PrimBytes  = "bytes"
	PrimTime   = "time"
	PrimNull   = "null"
	PrimAny    = "any"
)

// Spec is one node of a canonical type-spec tree.
//
// Exactly the fields relevant to Kind are set: Name for primitive/ref and
// typed_dict, Item for list, Key/Value for dict, Members for union (sorted by
// canonical JSON), Fields for typed_dict (keys sorted at serialization).
type Spec struct {
	Kind    string
	Name    string
	Item    *Spec
	Key     *Spec
	Value   *Spec
	Members []*Spec
	Fields  map[string]*Spec
}

var timeType = reflect.TypeOf(time.Time{})

// BuildSpec derives the canonical type spec for a Go type.
//
// Pointers become union{T, null}. Nested structs become typed_dict nodes;
// recursive struct references emit a ref node carrying the struct's simple
// name (qualified by package path on collision within one tree).
func BuildSpec(t reflect.Type) (*Spec, error) {
	b := &specBuilder{visited: map[reflect.Type]string{}, names: map[string]reflect.Type{}}
	return b.build(t)
}

type specBuilder struct {
	visited map[reflect.Type]string
	names   map[string]reflect.Type
}

func (b *specBuilder) build(t reflect.Type) (*Spec, error) {
	if t == nil {
		return &Spec{Kind: KindPrimitive, Name: PrimAny}, nil
	}
	if t == timeType {
		return &Spec{Kind: KindPrimitive, Name: PrimTime}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return &Spec{Kind: KindPrimitive, Name: PrimString}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Spec{Kind: KindPrimitive, Name: PrimInt}, nil
	case reflect.Float32, reflect.Float64:
		return &Spec{Kind: KindPrimitive, Name: PrimFloat}, nil
	case reflect.Bool:
		return &Spec{Kind: KindPrimitive, Name: PrimBool}, nil
	case reflect.Interface:
		return &Spec{Kind: KindPrimitive, Name: PrimAny}, nil
	case reflect.Pointer:
		inner, err := b.build(t.Elem())
		if err != nil {
			return nil, err
		}
		members, err := sortMembers([]*Spec{inner, {Kind: KindPrimitive, Name: PrimNull}})
		if err != nil {
			return nil, err
		}
		return &Spec{Kind: KindUnion, Members: members}, nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return &Spec{Kind: KindPrimitive, Name: PrimBytes}, nil
		}
		item, err := b.build(t.Elem())
		if err != nil {
			return nil, err
		}
		return &Spec{Kind: KindList, Item: item}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key type %s is not supported; keys must be strings", t.Key())
		}
		key, err := b.build(t.Key())
		if err != nil {
			return nil, err
		}
		val, err := b.build(t.Elem())
		if err != nil {
			return nil, err
		}
		return &Spec{Kind: KindDict, Key: key, Value: val}, nil
	case reflect.Struct:
		return b.buildStruct(t)
	default:
		return nil, fmt.Errorf("unsupported field type %s", t)
	}
}

func (b *specBuilder) buildStruct(t reflect.Type) (*Spec, error) {
	if name, ok := b.visited[t]; ok {
		return &Spec{Kind: KindRef, Name: name}, nil
	}

	name := t.Name()
	if name == "" {
		name = "anonymous"
	}
	if prev, ok := b.names[name]; ok && prev != t {
		name = t.PkgPath() + "." + t.Name()
	}
	b.visited[t] = name
	b.names[name] = t
	defer delete(b.visited, t)

	fields := map[string]*Spec{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fname := jsonFieldName(f)
		if fname == "-" {
			continue
		}
		spec, err := b.build(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", t.Name(), f.Name, err)
		}
		fields[fname] = spec
	}
	return &Spec{Kind: KindTypedDict, Name: name, Fields: fields}, nil
}

// jsonFieldName returns the wire name of a nested struct field, honoring the
// json tag the way encoding/json does since payloads round-trip through it.
func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

func sortMembers(members []*Spec) ([]*Spec, error) {
	type keyed struct {
		key  string
		spec *Spec
	}
	ks := make([]keyed, 0, len(members))
	for _, m := range members {
		raw, err := canonicaljson.Marshal(m.ToMap())
		if err != nil {
			return nil, err
		}
		ks = append(ks, keyed{key: string(raw), spec: m})
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].key < ks[j].key })
	out := make([]*Spec, len(ks))
	for i, k := range ks {
		out[i] = k.spec
	}
	return out, nil
}

// ToMap converts the spec to the stored JSON shape.
func (s *Spec) ToMap() map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{"kind": s.Kind}
	switch s.Kind {
	case KindPrimitive, KindRef:
		out["name"] = s.Name
	case KindList:
		out["item"] = s.Item.ToMap()
	case KindDict:
		out["key"] = s.Key.ToMap()
		out["value"] = s.Value.ToMap()
	case KindUnion:
		members := make([]any, len(s.Members))
		for i, m := range s.Members {
			members[i] = m.ToMap()
		}
		out["members"] = members
	case KindTypedDict:
		out["name"] = s.Name
		fields := map[string]any{}
		for k, v := range s.Fields {
			fields[k] = v.ToMap()
		}
		out["fields"] = fields
	}
	return out
}

// SpecFromMap reconstructs a Spec from its stored JSON shape.
func SpecFromMap(m map[string]any) (*Spec, error) {
	if m == nil {
		return nil, fmt.Errorf("nil type spec")
	}
	kind, _ := m["kind"].(string)
	s := &Spec{Kind: kind}
	switch kind {
	case KindPrimitive, KindRef:
		s.Name, _ = m["name"].(string)
	case KindList:
		item, ok := m["item"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("list spec missing item")
		}
		sub, err := SpecFromMap(item)
		if err != nil {
			return nil, err
		}
		s.Item = sub
	case KindDict:
		for field, dst := range map[string]**Spec{"key": &s.Key, "value": &s.Value} {
			mm, ok := m[field].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("dict spec missing %s", field)
			}
			sub, err := SpecFromMap(mm)
			if err != nil {
				return nil, err
			}
			*dst = sub
		}
	case KindUnion:
		raw, ok := m["members"].([]any)
		if !ok {
			return nil, fmt.Errorf("union spec missing members")
		}
		for _, rm := range raw {
			mm, ok := rm.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("union member is not an object")
			}
			sub, err := SpecFromMap(mm)
			if err != nil {
				return nil, err
			}
			s.Members = append(s.Members, sub)
		}
	case KindTypedDict:
		s.Name, _ = m["name"].(string)
		s.Fields = map[string]*Spec{}
		if raw, ok := m["fields"].(map[string]any); ok {
			for k, rv := range raw {
				mm, ok := rv.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("typed_dict field %q is not an object", k)
				}
				sub, err := SpecFromMap(mm)
				if err != nil {
					return nil, err
				}
				s.Fields[k] = sub
			}
		}
	default:
		return nil, fmt.Errorf("unknown type spec kind %q", kind)
	}
	return s, nil
}

// Equal reports structural equality of two specs. Ref nodes are resolved via
// a visited set: back-edges are equal iff they point at equally-named trees
// already proven (or assumed, on the cycle) equal.
func (s *Spec) Equal(o *Spec) bool {
	return specEqual(s, o, map[[2]string]bool{})
}

func specEqual(a, b *Spec, visiting map[[2]string]bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindPrimitive:
		return a.Name == b.Name
	case KindRef:
		return a.Name == b.Name
	case KindList:
		return specEqual(a.Item, b.Item, visiting)
	case KindDict:
		return specEqual(a.Key, b.Key, visiting) && specEqual(a.Value, b.Value, visiting)
	case KindUnion:
		if len(a.Members) != len(b.Members) {
			return false
		}
		for i := range a.Members {
			if !specEqual(a.Members[i], b.Members[i], visiting) {
				return false
			}
		}
		return true
	case KindTypedDict:
		pair := [2]string{a.Name, b.Name}
		if visiting[pair] {
			return a.Name == b.Name
		}
		visiting[pair] = true
		defer delete(visiting, pair)

		if a.Name != b.Name || len(a.Fields) != len(b.Fields) {
			return false
		}
		for k, av := range a.Fields {
			bv, ok := b.Fields[k]
			if !ok || !specEqual(av, bv, visiting) {
				return false
			}
		}
		return true
	}
	return false
}

// IsScalar reports whether the spec maps to a single typed scalar column
// (possibly nullable via union{scalar, null}). The second return is the
// primitive name of the scalar.
func (s *Spec) IsScalar() (string, bool) {
	if s == nil {
		return "", false
	}
	switch s.Kind {
	case KindPrimitive:
		switch s.Name {
		case PrimString, PrimInt, PrimFloat, PrimBool, PrimTime:
			return s.Name, true
		}
		return "", false
	case KindUnion:
		if len(s.Members) != 2 {
			return "", false
		}
		var scalar string
		var sawNull bool
		for _, m := range s.Members {
			if m.Kind == KindPrimitive && m.Name == PrimNull {
				sawNull = true
				continue
			}
			name, ok := m.IsScalar()
			if !ok {
				return "", false
			}
			scalar = name
		}
		if sawNull && scalar != "" {
			return scalar, true
		}
		return "", false
	}
	return "", false
}

// --- Legacy synthesis ---

var legacyPrimitives = map[string]string{
	"string":  PrimString,
	"int":     PrimInt,
	"int32":   PrimInt,
	"int64":   PrimInt,
	"uint":    PrimInt,
	"uint64":  PrimInt,
	"float":   PrimFloat,
	"float32": PrimFloat,
	"float64": PrimFloat,
	"bool":    PrimBool,
	"[]byte":  PrimBytes,
	"bytes":   PrimBytes,
	"null":    PrimNull,
	"any":     PrimAny,
}

var legacyTimeRe = regexp.MustCompile(`^(time\.)?Time$`)

// SynthesizeLegacySpec parses a bounded legacy type string (recorded before
// type specs were stored) into a spec tree. Returns nil when the string is
// outside the grammar; callers treat that as drift.
func SynthesizeLegacySpec(typeStr string) *Spec {
	typeStr = strings.TrimSpace(typeStr)
	if typeStr == "" {
		return nil
	}
	if name, ok := legacyPrimitives[typeStr]; ok {
		return &Spec{Kind: KindPrimitive, Name: name}
	}
	if legacyTimeRe.MatchString(typeStr) {
		return &Spec{Kind: KindPrimitive, Name: PrimTime}
	}
	if inner, ok := strings.CutPrefix(typeStr, "*"); ok {
		innerSpec := SynthesizeLegacySpec(inner)
		if innerSpec == nil {
			return nil
		}
		members, err := sortMembers([]*Spec{innerSpec, {Kind: KindPrimitive, Name: PrimNull}})
		if err != nil {
			return nil
		}
		return &Spec{Kind: KindUnion, Members: members}
	}
	if inner, ok := strings.CutPrefix(typeStr, "[]"); ok {
		innerSpec := SynthesizeLegacySpec(inner)
		if innerSpec == nil {
			return nil
		}
		return &Spec{Kind: KindList, Item: innerSpec}
	}
	if inner, ok := strings.CutPrefix(typeStr, "map[string]"); ok {
		innerSpec := SynthesizeLegacySpec(inner)
		if innerSpec == nil {
			return nil
		}
		return &Spec{
			Kind:  KindDict,
			Key:   &Spec{Kind: KindPrimitive, Name: PrimString},
			Value: innerSpec,
		}
	}
	return nil
}
