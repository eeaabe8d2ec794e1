package schema

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customer struct {
	ID   string `onto:"id,primary_key"`
	Name string `onto:"name"`
	Tier string `onto:"tier,index"`
}

type noPK struct {
	Name string `onto:"name"`
}

type twoPK struct {
	A string `onto:"a,primary_key"`
	B string `onto:"b,primary_key"`
}

type intPK struct {
	ID int `onto:"id,primary_key"`
}

type endpoints struct {
	LeftKey  string `onto:"left_key"`
	RightKey string `onto:"right_key"`
}

type employment struct {
	endpoints
	StintID string `onto:"stint_id,instance_key"`
	Role    string `onto:"role"`
}

type friendship struct {
	endpoints
	Since string `onto:"since"`
}

func TestNewEntityType(t *testing.T) {
	et, err := NewEntityType("Customer", reflect.TypeOf(customer{}))
	require.NoError(t, err)
	assert.Equal(t, "id", et.PrimaryKeyField)
	assert.Len(t, et.Fields, 3)
}

func TestNewEntityType_Validation(t *testing.T) {
	_, err := NewEntityType("NoPK", reflect.TypeOf(noPK{}))
	assert.Error(t, err)

	_, err = NewEntityType("TwoPK", reflect.TypeOf(twoPK{}))
	assert.Error(t, err)

	_, err = NewEntityType("IntPK", reflect.TypeOf(intPK{}))
	assert.Error(t, err, "primary keys must be strings")

	_, err = NewEntityType("Emp", reflect.TypeOf(employment{}))
	assert.Error(t, err, "instance_key is relation-only")
}

func TestNewRelationType(t *testing.T) {
	rt, err := NewRelationType("Employment", reflect.TypeOf(employment{}), "Person", "Company")
	require.NoError(t, err)
	assert.Equal(t, "stint_id", rt.InstanceKeyField)
	assert.Equal(t, "Person", rt.LeftType)
	assert.Equal(t, "Company", rt.RightType)

	// left_key/right_key are identity, not attribute fields.
	for _, f := range rt.Fields {
		assert.NotEqual(t, LeftKeyField, f.Name)
		assert.NotEqual(t, RightKeyField, f.Name)
	}
	// The instance key stays in Fields but not in PayloadFields.
	payload := rt.PayloadFields()
	assert.Len(t, payload, 1)
	assert.Equal(t, "role", payload[0].Name)
}

func TestNewRelationType_Unkeyed(t *testing.T) {
	rt, err := NewRelationType("Friendship", reflect.TypeOf(friendship{}), "Person", "Person")
	require.NoError(t, err)
	assert.Empty(t, rt.InstanceKeyField)
}

func TestHash_Deterministic(t *testing.T) {
	et, err := NewEntityType("Customer", reflect.TypeOf(customer{}))
	require.NoError(t, err)

	h1, err := Hash(et.Document())
	require.NoError(t, err)
	h2, err := Hash(et.Document())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

type customerV2 struct {
	ID    string  `onto:"id,primary_key"`
	Name  string  `onto:"name"`
	Email *string `onto:"email"`
}

func TestBuildDiff(t *testing.T) {
	v1, err := NewEntityType("Customer", reflect.TypeOf(customer{}))
	require.NoError(t, err)
	v2, err := NewEntityType("Customer", reflect.TypeOf(customerV2{}))
	require.NoError(t, err)

	diff := BuildDiff(TypeKindEntity, "Customer", 1, v1.Document(), v2.Document())
	assert.Equal(t, []string{"email"}, diff.AddedFields)
	assert.Equal(t, []string{"tier"}, diff.RemovedFields)
	assert.Empty(t, diff.ChangedFields)
	assert.Equal(t, int64(1), diff.StoredVersion)
}

func TestBuildDiff_InstanceKeyChange(t *testing.T) {
	keyed, err := NewRelationType("R", reflect.TypeOf(employment{}), "A", "B")
	require.NoError(t, err)
	unkeyedDoc := map[string]any{
		"relation_name": "R", "left_type": "A", "right_type": "B",
		"instance_key_field": nil,
		"fields":             keyed.Document()["fields"],
	}

	diff := BuildDiff(TypeKindRelation, "R", 1, unkeyedDoc, keyed.Document())
	_, changed := diff.ChangedFields["__instance_key_field__"]
	assert.True(t, changed)
}

func TestLegacyUpgradeApplies(t *testing.T) {
	et, err := NewEntityType("Customer", reflect.TypeOf(customer{}))
	require.NoError(t, err)
	code := et.Document()

	// A stored document identical except for missing type specs upgrades.
	stored := map[string]any{"entity_name": "Customer", "fields": map[string]any{}}
	for name, raw := range code["fields"].(map[string]any) {
		fm := raw.(map[string]any)
		legacy := map[string]any{}
		for k, v := range fm {
			if k == "type_spec" {
				continue
			}
			legacy[k] = v
		}
		stored["fields"].(map[string]any)[name] = legacy
	}
	assert.True(t, LegacyUpgradeApplies(stored, code))

	// A stored doc with a conflicting spec is real drift.
	withSpec := map[string]any{"entity_name": "Customer", "fields": map[string]any{}}
	for name, raw := range code["fields"].(map[string]any) {
		fm := raw.(map[string]any)
		clone := map[string]any{}
		for k, v := range fm {
			clone[k] = v
		}
		clone["type_spec"] = map[string]any{"kind": "primitive", "name": "float"}
		withSpec["fields"].(map[string]any)[name] = clone
	}
	assert.False(t, LegacyUpgradeApplies(withSpec, code))

	// Different field sets are real drift.
	assert.False(t, LegacyUpgradeApplies(map[string]any{
		"entity_name": "Customer", "fields": map[string]any{},
	}, code))
}
