package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	// Shaped after the rendezvous bookkeeping: the ranks expected in a
	// group versus the ranks that actually joined.
	expected := MakeSet[int](4)
	require.Empty(t, expected)
	for r := 0; r < 4; r++ {
		expected.Insert(r)
	}
	require.Len(t, expected, 4)

	joined := SetWith(0, 2)
	assert.True(t, joined.Has(0))
	assert.True(t, joined.Has(2))
	assert.False(t, joined.Has(1))
	assert.False(t, joined.Has(7))

	// A duplicate join does not grow the set.
	joined.Insert(2)
	require.Len(t, joined, 2)

	missing := expected.Sub(joined)
	require.Len(t, missing, 2)
	assert.True(t, missing.Has(1))
	assert.True(t, missing.Has(3))
	assert.False(t, missing.Has(0))

	// Sub leaves its operands untouched.
	require.Len(t, expected, 4)
	require.Len(t, joined, 2)

	assert.True(t, missing.Equal(SetWith(3, 1)))
	assert.False(t, missing.Equal(joined))
	assert.False(t, missing.Equal(SetWith(1)))
	assert.False(t, missing.Equal(SetWith(1, 3, 5)))
}
