package ontolog

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
)

// Rel carries the endpoint keys of a relation. Relation structs embed it.
type Rel struct {
	LeftKey  string `onto:"left_key"`
	RightKey string `onto:"right_key"`
}

// Named overrides the derived type name for an entity, relation, or event
// struct.
type Named interface {
	TypeName() string
}

// EventNamed overrides the derived event type string.
type EventNamed interface {
	EventName() string
}

// RelationDef binds a relation struct to its endpoint entity structs.
type RelationDef struct {
	relation any
	left     any
	right    any
}

// Relation declares a relation type with its left and right endpoint entity
// types, given example (zero) values.
func Relation(relation, left, right any) RelationDef {
	return RelationDef{relation: relation, left: left, right: right}
}

// registry resolves Go types to validated schema descriptors.
type registry struct {
	entities    map[string]*schema.EntityType
	relations   map[string]*schema.RelationType
	entityByGo  map[reflect.Type]*schema.EntityType
	relationByGo map[reflect.Type]*schema.RelationType
}

func newRegistry() *registry {
	return &registry{
		entities:     map[string]*schema.EntityType{},
		relations:    map[string]*schema.RelationType{},
		entityByGo:   map[reflect.Type]*schema.EntityType{},
		relationByGo: map[reflect.Type]*schema.RelationType{},
	}
}

func structTypeOf(v any) (reflect.Type, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("nil type example")
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected a struct type, got %s", t)
	}
	return t, nil
}

func typeNameOf(v any, t reflect.Type) string {
	if n, ok := v.(Named); ok {
		return n.TypeName()
	}
	return t.Name()
}

func (r *registry) addEntity(example any) error {
	t, err := structTypeOf(example)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "register_entity", err)
	}
	name := typeNameOf(example, t)
	et, err := schema.NewEntityType(name, t)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "register_entity", err)
	}
	r.entities[name] = et
	r.entityByGo[t] = et
	return nil
}

func (r *registry) addRelation(def RelationDef) error {
	t, err := structTypeOf(def.relation)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "register_relation", err)
	}
	leftT, err := structTypeOf(def.left)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "register_relation", err)
	}
	rightT, err := structTypeOf(def.right)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "register_relation", err)
	}

	leftName := typeNameOf(def.left, leftT)
	rightName := typeNameOf(def.right, rightT)
	name := typeNameOf(def.relation, t)

	rt, err := schema.NewRelationType(name, t, leftName, rightName)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "register_relation", err)
	}
	r.relations[name] = rt
	r.relationByGo[t] = rt
	return nil
}

func (r *registry) entityOf(v any) (*schema.EntityType, error) {
	t, err := structTypeOf(v)
	if err != nil {
		return nil, err
	}
	et, ok := r.entityByGo[t]
	if !ok {
		return nil, fmt.Errorf("type %s is not a registered entity", t)
	}
	return et, nil
}

func (r *registry) relationOf(v any) (*schema.RelationType, error) {
	t, err := structTypeOf(v)
	if err != nil {
		return nil, err
	}
	rt, ok := r.relationByGo[t]
	if !ok {
		return nil, fmt.Errorf("type %s is not a registered relation", t)
	}
	return rt, nil
}

// --- Event type names ---

var eventCamelRe1 = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
var eventCamelRe2 = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// EventTypeName derives the wire type of an event struct: OrderPlaced maps
// to "order.placed" unless the type implements EventNamed.
func EventTypeName(event any) (string, error) {
	if n, ok := event.(EventNamed); ok {
		return n.EventName(), nil
	}
	t, err := structTypeOf(event)
	if err != nil {
		return "", err
	}
	return deriveEventType(t.Name()), nil
}

func deriveEventType(name string) string {
	s := eventCamelRe1.ReplaceAllString(name, "$1.$2")
	s = eventCamelRe2.ReplaceAllString(s, "$1.$2")
	return strings.ToLower(s)
}
