package schema

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityCodec_RoundTrip(t *testing.T) {
	et, err := NewEntityType("Customer", reflect.TypeOf(customer{}))
	require.NoError(t, err)

	in := customer{ID: "c1", Name: "Alice", Tier: "Gold"}
	key, err := et.EntityIdentity(in)
	require.NoError(t, err)
	assert.Equal(t, "c1", key)

	payload, err := et.EntityPayload(in)
	require.NoError(t, err)
	assert.Equal(t, "Alice", payload["name"])

	out, err := et.HydrateEntity(payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEntityIdentity_EmptyKeyRejected(t *testing.T) {
	et, err := NewEntityType("Customer", reflect.TypeOf(customer{}))
	require.NoError(t, err)
	_, err = et.EntityIdentity(customer{Name: "NoKey"})
	assert.Error(t, err)
}

func TestRelationCodec_Keyed(t *testing.T) {
	rt, err := NewRelationType("Employment", reflect.TypeOf(employment{}), "Person", "Company")
	require.NoError(t, err)

	in := employment{
		endpoints: endpoints{LeftKey: "p1", RightKey: "c1"},
		StintID:   "a",
		Role:      "Eng",
	}
	left, right, ik, err := rt.RelationIdentity(in)
	require.NoError(t, err)
	assert.Equal(t, "p1", left)
	assert.Equal(t, "c1", right)
	assert.Equal(t, "a", ik)

	payload, err := rt.RelationPayload(in)
	require.NoError(t, err)
	// The instance key is identity, never payload.
	_, has := payload["stint_id"]
	assert.False(t, has)
	assert.Equal(t, "Eng", payload["role"])

	out, err := rt.HydrateRelation(left, right, ik, payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRelationIdentity_EmptyInstanceKeyRejected(t *testing.T) {
	rt, err := NewRelationType("Employment", reflect.TypeOf(employment{}), "Person", "Company")
	require.NoError(t, err)

	_, _, _, err = rt.RelationIdentity(employment{
		endpoints: endpoints{LeftKey: "p1", RightKey: "c1"},
		Role:      "Eng",
	})
	assert.Error(t, err, "empty instance key is the unkeyed sentinel, rejected for keyed relations")

	_, _, _, err = rt.RelationIdentity(employment{
		endpoints: endpoints{LeftKey: "p1", RightKey: "c1"},
		StintID:   "   ",
	})
	assert.Error(t, err, "whitespace-only instance keys are rejected")
}

func TestRelationIdentity_UnkeyedSentinel(t *testing.T) {
	rt, err := NewRelationType("Friendship", reflect.TypeOf(friendship{}), "Person", "Person")
	require.NoError(t, err)

	_, _, ik, err := rt.RelationIdentity(friendship{
		endpoints: endpoints{LeftKey: "p1", RightKey: "p2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "", ik)
}

func TestRelationIdentity_MissingEndpointKeys(t *testing.T) {
	rt, err := NewRelationType("Friendship", reflect.TypeOf(friendship{}), "Person", "Person")
	require.NoError(t, err)
	_, _, _, err = rt.RelationIdentity(friendship{})
	assert.Error(t, err)
}

type withNested struct {
	ID      string      `onto:"id,primary_key"`
	Profile specProfile `onto:"profile"`
	Tags    []string    `onto:"tags"`
}

func TestEntityPayload_NestedStructsUseJSONTags(t *testing.T) {
	et, err := NewEntityType("WithNested", reflect.TypeOf(withNested{}))
	require.NoError(t, err)

	payload, err := et.EntityPayload(withNested{
		ID:      "x1",
		Profile: specProfile{Address: specAddress{City: "Berlin"}, Age: 3},
		Tags:    []string{"a", "b"},
	})
	require.NoError(t, err)

	profile, ok := payload["profile"].(map[string]any)
	require.True(t, ok)
	addr, ok := profile["address"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Berlin", addr["city"])

	age, ok := profile["age"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "3", age.String())
}

func TestStructPayload_RoundTrip(t *testing.T) {
	type orderPlaced struct {
		OrderID string  `onto:"order_id"`
		Amount  float64 `onto:"amount"`
	}
	payload, err := StructPayload(orderPlaced{OrderID: "o1", Amount: 9.5})
	require.NoError(t, err)
	assert.Equal(t, "o1", payload["order_id"])

	back, err := NewFromPayload(reflect.TypeOf(orderPlaced{}), payload)
	require.NoError(t, err)
	assert.Equal(t, orderPlaced{OrderID: "o1", Amount: 9.5}, back)
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"OrderID":    "order_id",
		"Name":       "name",
		"HTTPStatus": "http_status",
		"ChainDepth": "chain_depth",
	}
	for in, want := range cases {
		assert.Equal(t, want, snakeCase(in), in)
	}
}
