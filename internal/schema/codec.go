package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// EntityIdentity extracts the primary key value from an entity struct.
func (et *EntityType) EntityIdentity(v any) (string, error) {
	rv, err := structValue(v, et.GoType)
	if err != nil {
		return "", fmt.Errorf("entity %q: %w", et.Name, err)
	}
	for _, f := range et.Fields {
		if !f.PrimaryKey {
			continue
		}
		key := rv.FieldByName(f.GoName).String()
		if key == "" {
			return "", fmt.Errorf("entity %q: primary key %q must not be empty", et.Name, f.Name)
		}
		return key, nil
	}
	return "", fmt.Errorf("entity %q has no primary key field", et.Name)
}

// EntityPayload extracts the canonical payload map of an entity instance.
// All declared fields are included; the primary key stays in the payload the
// same way it is stored in fields_json.
func (et *EntityType) EntityPayload(v any) (map[string]any, error) {
	rv, err := structValue(v, et.GoType)
	if err != nil {
		return nil, fmt.Errorf("entity %q: %w", et.Name, err)
	}
	return payloadOf(rv, et.Fields, "")
}

// RelationIdentity extracts (left_key, right_key, instance_key) from a
// relation struct. Keyed relations reject empty instance keys; unkeyed
// relations use the empty-string sentinel.
func (rt *RelationType) RelationIdentity(v any) (left, right, instanceKey string, err error) {
	rv, err := structValue(v, rt.GoType)
	if err != nil {
		return "", "", "", fmt.Errorf("relation %q: %w", rt.Name, err)
	}

	left, err = identityKey(rv, rt.GoType, LeftKeyField)
	if err != nil {
		return "", "", "", fmt.Errorf("relation %q: %w", rt.Name, err)
	}
	right, err = identityKey(rv, rt.GoType, RightKeyField)
	if err != nil {
		return "", "", "", fmt.Errorf("relation %q: %w", rt.Name, err)
	}
	if left == "" || right == "" {
		return "", "", "", fmt.Errorf("relation %q: left_key and right_key must not be empty", rt.Name)
	}

	if rt.InstanceKeyField == "" {
		return left, right, "", nil
	}
	for _, f := range rt.Fields {
		if f.Name != rt.InstanceKeyField {
			continue
		}
		instanceKey = rv.FieldByName(f.GoName).String()
		if strings.TrimSpace(instanceKey) == "" {
			return "", "", "", fmt.Errorf(
				"relation %q: instance key %q must not be empty or whitespace-only", rt.Name, f.Name)
		}
		return left, right, instanceKey, nil
	}
	return "", "", "", fmt.Errorf("relation %q: instance key field %q not found", rt.Name, rt.InstanceKeyField)
}

// RelationPayload extracts the canonical payload of a relation instance,
// excluding identity fields and the instance key.
func (rt *RelationType) RelationPayload(v any) (map[string]any, error) {
	rv, err := structValue(v, rt.GoType)
	if err != nil {
		return nil, fmt.Errorf("relation %q: %w", rt.Name, err)
	}
	return payloadOf(rv, rt.Fields, rt.InstanceKeyField)
}

// HydrateEntity decodes a stored payload into a new instance of the entity's
// Go type. Returns a value of the registered struct type.
func (et *EntityType) HydrateEntity(fields map[string]any) (any, error) {
	return hydrate(et.GoType, et.Fields, fields, nil)
}

// HydrateRelation decodes a stored payload plus identity columns into a new
// instance of the relation's Go type.
func (rt *RelationType) HydrateRelation(left, right, instanceKey string, fields map[string]any) (any, error) {
	extra := map[string]any{LeftKeyField: left, RightKeyField: right}
	if rt.InstanceKeyField != "" && instanceKey != "" {
		extra[rt.InstanceKeyField] = instanceKey
	}
	return hydrate(rt.GoType, rt.Fields, fields, extra)
}

// StructPayload serializes any tagged struct (events, ad hoc records) into
// the generic payload shape using its declared fields.
func StructPayload(v any) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected a struct, got %T", v)
	}
	fields, err := ParseFields(rv.Type())
	if err != nil {
		return nil, err
	}
	return payloadOf(rv, fields, "")
}

// NewFromPayload decodes a payload map into a fresh value of the given
// struct type.
func NewFromPayload(t reflect.Type, payload map[string]any) (any, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	fields, err := ParseFields(t)
	if err != nil {
		return nil, err
	}
	return hydrate(t, fields, payload, nil)
}

func structValue(v any, want reflect.Type) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Type() != want {
		got := "nil"
		if rv.IsValid() {
			got = rv.Type().String()
		}
		return reflect.Value{}, fmt.Errorf("expected %s, got %s", want, got)
	}
	return rv, nil
}

func identityKey(rv reflect.Value, t reflect.Type, wire string) (string, error) {
	field, ok := findFieldByWireName(t, wire)
	if !ok {
		return "", fmt.Errorf("missing %s field", wire)
	}
	return rv.FieldByIndex(field.Index).String(), nil
}

func findFieldByWireName(t reflect.Type, wire string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Tag.Get("onto") == "" {
			if nested, ok := findFieldByWireName(f.Type, wire); ok {
				nested.Index = append(f.Index, nested.Index...)
				return nested, true
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("onto"), ",")
		if name == "" {
			name = snakeCase(f.Name)
		}
		if name == wire {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

// payloadOf serializes declared fields into the generic JSON shape. Values
// round-trip through encoding/json so nested structs honor their json tags,
// matching query-time hydration.
func payloadOf(rv reflect.Value, fields []FieldDef, skip string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if skip != "" && f.Name == skip {
			continue
		}
		fv := rv.FieldByName(f.GoName)
		if !fv.IsValid() {
			return nil, fmt.Errorf("field %q not found on %s", f.GoName, rv.Type())
		}
		generic, err := toGeneric(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[f.Name] = generic
	}
	return out, nil
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func hydrate(t reflect.Type, fields []FieldDef, payload map[string]any, extra map[string]any) (any, error) {
	ptr := reflect.New(t)
	rv := ptr.Elem()

	assign := func(wire, goName string, value any, byIndex []int) error {
		if value == nil {
			return nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", wire, err)
		}
		var fv reflect.Value
		if byIndex != nil {
			fv = rv.FieldByIndex(byIndex)
		} else {
			fv = rv.FieldByName(goName)
		}
		if !fv.IsValid() || !fv.CanAddr() {
			return fmt.Errorf("field %q not addressable on %s", wire, t)
		}
		if err := json.Unmarshal(raw, fv.Addr().Interface()); err != nil {
			return fmt.Errorf("field %q: %w", wire, err)
		}
		return nil
	}

	for _, f := range fields {
		if err := assign(f.Name, f.GoName, payload[f.Name], nil); err != nil {
			return nil, err
		}
	}
	for wire, value := range extra {
		sf, ok := findFieldByWireName(t, wire)
		if !ok {
			continue
		}
		if err := assign(wire, sf.Name, value, sf.Index); err != nil {
			return nil, err
		}
	}
	return rv.Interface(), nil
}
