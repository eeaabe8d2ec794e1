package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"

	"github.com/ontolog/ontolog/internal/canonicaljson"
)

// Type kind discriminators for stored schemas.
const (
	TypeKindEntity   = "entity"
	TypeKindRelation = "relation"
)

// Reserved relation identity field names carried by the embedded endpoint
// struct. They are part of the identity, never of the payload.
const (
	LeftKeyField  = "left_key"
	RightKeyField = "right_key"
)

// EntityType is the validated descriptor of an entity struct.
type EntityType struct {
	Name            string
	GoType          reflect.Type
	Fields          []FieldDef
	PrimaryKeyField string
}

// RelationType is the validated descriptor of a relation struct.
type RelationType struct {
	Name      string
	GoType    reflect.Type
	LeftType  string
	RightType string
	// Fields holds attribute fields plus the instance-key field; left_key and
	// right_key are identity columns and excluded.
	Fields           []FieldDef
	InstanceKeyField string
}

// NewEntityType validates a struct type as an entity schema.
func NewEntityType(name string, t reflect.Type) (*EntityType, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	fields, err := ParseFields(t)
	if err != nil {
		return nil, err
	}

	var pk []string
	for _, f := range fields {
		if f.InstanceKey {
			return nil, fmt.Errorf(
				"entity %q: field %q uses instance_key, which is only valid on relations", name, f.Name)
		}
		if f.PrimaryKey {
			if f.Spec.Kind != KindPrimitive || f.Spec.Name != PrimString {
				return nil, fmt.Errorf("entity %q: primary key %q must be a string", name, f.Name)
			}
			pk = append(pk, f.Name)
		}
	}
	if len(pk) == 0 {
		return nil, fmt.Errorf("entity %q must declare exactly one primary_key field", name)
	}
	if len(pk) > 1 {
		return nil, fmt.Errorf("entity %q has multiple primary keys: %v", name, pk)
	}

	return &EntityType{Name: name, GoType: t, Fields: fields, PrimaryKeyField: pk[0]}, nil
}

// NewRelationType validates a struct type as a relation schema between the
// named left and right entity types. The struct must carry left_key and
// right_key string fields (normally via an embedded endpoint struct).
func NewRelationType(name string, t reflect.Type, leftType, rightType string) (*RelationType, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	fields, err := ParseFields(t)
	if err != nil {
		return nil, err
	}

	var (
		kept          []FieldDef
		sawLeft       bool
		sawRight      bool
		instanceKeys  []string
		instanceField string
	)
	for _, f := range fields {
		switch f.Name {
		case LeftKeyField:
			sawLeft = true
			continue
		case RightKeyField:
			sawRight = true
			continue
		}
		if f.PrimaryKey {
			return nil, fmt.Errorf(
				"relation %q: field %q uses primary_key, which is only valid on entities", name, f.Name)
		}
		if f.InstanceKey {
			if f.Spec.Kind != KindPrimitive || f.Spec.Name != PrimString {
				return nil, fmt.Errorf("relation %q: instance key %q must be a string", name, f.Name)
			}
			instanceKeys = append(instanceKeys, f.Name)
			instanceField = f.Name
		}
		kept = append(kept, f)
	}
	if !sawLeft || !sawRight {
		return nil, fmt.Errorf("relation %q must carry left_key and right_key fields", name)
	}
	if len(instanceKeys) > 1 {
		return nil, fmt.Errorf("relation %q has multiple instance_key fields: %v", name, instanceKeys)
	}

	return &RelationType{
		Name:             name,
		GoType:           t,
		LeftType:         leftType,
		RightType:        rightType,
		Fields:           kept,
		InstanceKeyField: instanceField,
	}, nil
}

// PayloadFields returns the attribute fields of a relation, excluding the
// instance-key field (identity, not data).
func (rt *RelationType) PayloadFields() []FieldDef {
	out := make([]FieldDef, 0, len(rt.Fields))
	for _, f := range rt.Fields {
		if f.Name == rt.InstanceKeyField {
			continue
		}
		out = append(out, f)
	}
	return out
}

// --- Stored schema documents ---

// Document builds the stored schema JSON shape for an entity type.
func (et *EntityType) Document() map[string]any {
	fields := map[string]any{}
	for _, f := range et.Fields {
		fields[f.Name] = map[string]any{
			"primary_key": f.PrimaryKey,
			"index":       f.Index,
			"type":        f.TypeString,
			"type_spec":   f.Spec.ToMap(),
		}
	}
	return map[string]any{"entity_name": et.Name, "fields": fields}
}

// Document builds the stored schema JSON shape for a relation type.
func (rt *RelationType) Document() map[string]any {
	fields := map[string]any{}
	for _, f := range rt.Fields {
		fields[f.Name] = map[string]any{
			"index":     f.Index,
			"type":      f.TypeString,
			"type_spec": f.Spec.ToMap(),
		}
	}
	doc := map[string]any{
		"relation_name": rt.Name,
		"left_type":     rt.LeftType,
		"right_type":    rt.RightType,
		"fields":        fields,
	}
	if rt.InstanceKeyField != "" {
		doc["instance_key_field"] = rt.InstanceKeyField
	} else {
		doc["instance_key_field"] = nil
	}
	return doc
}

// Hash computes the stable fingerprint of a schema document: hex SHA-256 of
// its canonical JSON.
func Hash(doc map[string]any) (string, error) {
	raw, err := canonicaljson.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// --- Drift diffs ---

// FieldChange records the stored and code form of one drifted field.
type FieldChange struct {
	Stored any `json:"stored"`
	Code   any `json:"code"`
}

// Diff describes the difference between stored and code schema for one type.
type Diff struct {
	TypeKind      string                 `json:"type_kind"`
	TypeName      string                 `json:"type_name"`
	StoredVersion int64                  `json:"stored_version"`
	AddedFields   []string               `json:"added_fields"`
	RemovedFields []string               `json:"removed_fields"`
	ChangedFields map[string]FieldChange `json:"changed_fields"`
}

// BuildDiff compares stored and code schema documents for a type.
func BuildDiff(kind, name string, storedVersion int64, stored, code map[string]any) Diff {
	storedFields := fieldMap(stored)
	codeFields := fieldMap(code)

	var added, removed []string
	for f := range codeFields {
		if _, ok := storedFields[f]; !ok {
			added = append(added, f)
		}
	}
	for f := range storedFields {
		if _, ok := codeFields[f]; !ok {
			removed = append(removed, f)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	changed := map[string]FieldChange{}
	for f, sv := range storedFields {
		cv, ok := codeFields[f]
		if !ok {
			continue
		}
		eq, err := canonicaljson.Equal(sv, cv)
		if err != nil || !eq {
			changed[f] = FieldChange{Stored: sv, Code: cv}
		}
	}

	storedIK, storedHasIK := stored["instance_key_field"]
	codeIK, codeHasIK := code["instance_key_field"]
	if storedHasIK || codeHasIK {
		if eq, err := canonicaljson.Equal(storedIK, codeIK); err != nil || !eq {
			changed["__instance_key_field__"] = FieldChange{Stored: storedIK, Code: codeIK}
		}
	}

	return Diff{
		TypeKind:      kind,
		TypeName:      name,
		StoredVersion: storedVersion,
		AddedFields:   added,
		RemovedFields: removed,
		ChangedFields: changed,
	}
}

func fieldMap(doc map[string]any) map[string]any {
	raw, ok := doc["fields"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return raw
}

// LegacyUpgradeApplies reports whether the stored schema differs from the
// code schema only by missing type specs whose legacy synthesis reproduces
// the code spec. Such stores are upgraded in place rather than flagged as
// drifted.
func LegacyUpgradeApplies(stored, code map[string]any) bool {
	storedFields := fieldMap(stored)
	codeFields := fieldMap(code)
	if len(storedFields) != len(codeFields) {
		return false
	}
	for f := range storedFields {
		if _, ok := codeFields[f]; !ok {
			return false
		}
	}

	for key, sv := range stored {
		if key == "fields" {
			continue
		}
		if eq, err := canonicaljson.Equal(sv, code[key]); err != nil || !eq {
			return false
		}
	}
	for key := range code {
		if key == "fields" {
			continue
		}
		if _, ok := stored[key]; !ok {
			return false
		}
	}

	for fname, rawStored := range storedFields {
		sf, ok := rawStored.(map[string]any)
		if !ok {
			return false
		}
		cf, ok := codeFields[fname].(map[string]any)
		if !ok {
			return false
		}

		if eq, err := canonicaljson.Equal(sf, cf); err == nil && eq {
			continue
		}
		if _, hasSpec := sf["type_spec"]; hasSpec {
			// Stored already carries a spec and it differs: real drift.
			return false
		}

		sfNoSpec := withoutKey(sf, "type_spec")
		cfNoSpec := withoutKey(cf, "type_spec")
		if eq, err := canonicaljson.Equal(sfNoSpec, cfNoSpec); err != nil || !eq {
			return false
		}

		typeStr, _ := sf["type"].(string)
		synth := SynthesizeLegacySpec(typeStr)
		if synth == nil {
			return false
		}
		codeSpecMap, ok := cf["type_spec"].(map[string]any)
		if !ok {
			return false
		}
		codeSpec, err := SpecFromMap(codeSpecMap)
		if err != nil || !synth.Equal(codeSpec) {
			return false
		}
	}
	return true
}

func withoutKey(m map[string]any, key string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == key {
			continue
		}
		out[k] = v
	}
	return out
}
