package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsObjectKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestMarshal_NestedStructures(t *testing.T) {
	out, err := Marshal(map[string]any{
		"list": []any{1, "two", nil, true},
		"obj":  map[string]any{"z": false, "a": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[1,"two",null,true],"obj":{"a":"x","z":false}}`, string(out))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := Marshal("<a> & </a>")
	require.NoError(t, err)
	assert.Equal(t, `"<a> & </a>"`, string(out))
}

func TestMarshal_IntegralFloatsPrintAsIntegers(t *testing.T) {
	out, err := Marshal(map[string]any{"n": 42.0})
	require.NoError(t, err)
	assert.Equal(t, `{"n":42}`, string(out))
}

func TestMarshal_NonFiniteFloatRejected(t *testing.T) {
	zero := float64(0)
	_, err := Marshal(map[string]any{"n": float64(1) / zero})
	assert.Error(t, err)
}

func TestMarshal_StructRoundTrip(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	out, err := Marshal(inner{B: 1, A: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(out))
}

func TestEqual_IgnoresKeyOrderAndNumericForm(t *testing.T) {
	eq, err := Equal(
		map[string]any{"a": 1, "b": []any{2.0}},
		map[string]any{"b": []any{int64(2)}, "a": int64(1)},
	)
	require.NoError(t, err)
	assert.True(t, eq)

	eq, err = Equal(map[string]any{"a": 1}, map[string]any{"a": 2})
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestMarshal_NFCNormalization(t *testing.T) {
	// "é" composed vs decomposed must serialize identically.
	composed := "café"
	decomposed := "café"
	a, err := Marshal(composed)
	require.NoError(t, err)
	b, err := Marshal(decomposed)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
