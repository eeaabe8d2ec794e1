package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron_FiveFields(t *testing.T) {
	spec, err := ParseCron("*/5 * * * *")
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)
	next := spec.Next(base)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), next)

	// Next is strictly after the reference instant.
	next = spec.Next(time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC), next)
}

func TestParseCron_FieldCombinations(t *testing.T) {
	spec, err := ParseCron("30 9 * * 1-5")
	require.NoError(t, err)

	// Saturday rolls to Monday 09:30.
	sat := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 9, 9, 30, 0, 0, time.UTC), spec.Next(sat))
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{"", "* * *", "61 * * * *", "* 25 * * *", "bogus"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}
