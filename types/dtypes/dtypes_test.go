package dtypes

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmallIntegersAreExact(t *testing.T) {
	// The checker relies on sums of integer inputs in [1, 16) staying exact
	// in every supported type, up to a world size of 16 ranks: partial sums
	// never exceed 16*15=240.
	for _, dt := range []DType{Float32, Float16, BFloat16} {
		t.Run(dt.String(), func(t *testing.T) {
			buf := make([]byte, dt.Size())
			for v := 0; v <= 240; v++ {
				dt.Put(buf, float32(v))
				require.Equalf(t, float32(v), dt.Get(buf), "%d is not exactly representable as %s", v, dt)
			}
		})
	}
}

func TestFloatsRoundTrip(t *testing.T) {
	for _, dt := range []DType{Float32, Float16, BFloat16} {
		t.Run(dt.String(), func(t *testing.T) {
			vs := []float32{1, 2, 3, 15, 240, 0}
			data := make([]byte, len(vs)*dt.Size())
			dt.PutFloats(data, vs)
			assert.Equal(t, vs, dt.Floats(data))
			assert.Equal(t, len(vs), dt.NumElements(data))
		})
	}
}

func TestFillRandomInts(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	data := make([]byte, 1024*Float16.Size())
	FillRandomInts(rng, Float16, data, 1, 16)
	for i, v := range Float16.Floats(data) {
		require.Equalf(t, v, float32(int(v)), "element #%d is not an integer: %v", i, v)
		require.GreaterOrEqual(t, v, float32(1))
		require.Less(t, v, float32(16))
	}

	// Same seed, same contents.
	again := make([]byte, len(data))
	FillRandomInts(rand.New(rand.NewPCG(42, 0)), Float16, again, 1, 16)
	assert.Equal(t, data, again)
}

func TestCompare(t *testing.T) {
	t.Run("equal", func(t *testing.T) {
		data := make([]byte, 16*Float32.Size())
		FillRandomInts(rand.New(rand.NewPCG(1, 2)), Float32, data, 1, 16)
		assert.NoError(t, Compare(Float32, data, append([]byte(nil), data...)))
	})

	t.Run("mismatch detail", func(t *testing.T) {
		want := make([]byte, 8*BFloat16.Size())
		BFloat16.PutFloats(want, []float32{1, 2, 3, 4, 5, 6, 7, 8})
		got := append([]byte(nil), want...)
		BFloat16.Put(got[2*BFloat16.Size():], 99)
		BFloat16.Put(got[5*BFloat16.Size():], 100)

		err := Compare(BFloat16, got, want)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 of 8 elements differ")
		assert.Contains(t, err.Error(), "first at #2")
		assert.Contains(t, err.Error(), "got 99")
		assert.Contains(t, err.Error(), "want 3")
	})

	t.Run("length mismatch", func(t *testing.T) {
		err := Compare(Float32, make([]byte, 8), make([]byte, 4))
		require.Error(t, err)
	})
}

func TestDTypeEnum(t *testing.T) {
	for _, dt := range DTypeValues()[1:] {
		parsed, err := DTypeString(dt.String())
		require.NoError(t, err)
		assert.Equal(t, dt, parsed)
		assert.True(t, dt.IsADType())
		assert.Positive(t, dt.Size())
	}
	assert.Zero(t, InvalidDType.Size())
}
