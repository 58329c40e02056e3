package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/collcheck/types/dtypes"
)

func TestDevice_OrderedExecution(t *testing.T) {
	dev := New(0)
	defer dev.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		dev.Enqueue("op", func() error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, dev.Synchronize())
	require.Len(t, order, 100)
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestDevice_ErrorPoisonsQueueUntilSynchronize(t *testing.T) {
	dev := New(0)
	defer dev.Close()

	ran := false
	dev.Enqueue("boom", func() error { return errors.New("queue failure") })
	dev.Enqueue("after", func() error { ran = true; return nil })

	err := dev.Synchronize()
	require.Error(t, err)
	var devErr *Error
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "boom", devErr.Op)
	assert.False(t, ran, "operations after a failure must be skipped")

	// The error was collected; the queue is usable again.
	dev.Enqueue("after", func() error { ran = true; return nil })
	require.NoError(t, dev.Synchronize())
	assert.True(t, ran)
}

func TestDevice_SynchronizeReturnsWhenLastOpFails(t *testing.T) {
	// The failure immediately precedes the fence; Synchronize must still
	// return with the error instead of waiting on a skipped fence.
	dev := New(0)
	defer dev.Close()

	dev.Enqueue("boom", func() error { return errors.New("late failure") })
	err := dev.Synchronize()
	require.Error(t, err)
	var devErr *Error
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "boom", devErr.Op)

	require.NoError(t, dev.Synchronize())
}

func TestDevice_CaptureDoesNotExecute(t *testing.T) {
	dev := New(1)
	defer dev.Close()

	executed := 0
	graph, err := dev.Capture(func() error {
		dev.Enqueue("inc", func() error { executed++; return nil })
		dev.Enqueue("inc", func() error { executed++; return nil })
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, dev.Synchronize())
	assert.Zero(t, executed, "capture must record, not execute")

	require.NoError(t, dev.Replay(graph))
	require.NoError(t, dev.Synchronize())
	assert.Equal(t, 2, executed)
}

func TestDevice_ReplayRestoresInputs(t *testing.T) {
	dev := New(0)
	defer dev.Close()

	buf := NewBuffer(dtypes.Float32, 4)
	buf.SetFloats([]float32{1, 2, 3, 4})

	// The recorded operation doubles the buffer in place. Without snapshot
	// restore a second replay would double it again.
	graph, err := dev.Capture(func() error {
		dev.Enqueue("double", func() error {
			vs := buf.Floats()
			for i := range vs {
				vs[i] *= 2
			}
			buf.SetFloats(vs)
			return nil
		})
		return nil
	}, buf)
	require.NoError(t, err)

	for replay := 0; replay < 3; replay++ {
		require.NoError(t, dev.Replay(graph))
		require.NoError(t, dev.Synchronize())
		assert.Equalf(t, []float32{2, 4, 6, 8}, buf.Floats(), "replay #%d diverged", replay)
	}
}

func TestDevice_CaptureErrors(t *testing.T) {
	dev := New(0)
	defer dev.Close()

	_, err := dev.Capture(func() error { return nil })
	require.Error(t, err, "empty captures are rejected")

	_, err = dev.Capture(func() error { return errors.New("record failed") })
	require.Error(t, err)
	var devErr *Error
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "capture", devErr.Op)
}

func TestBuffer(t *testing.T) {
	buf := NewBuffer(dtypes.BFloat16, 8)
	assert.Equal(t, 8, buf.Len())
	assert.Equal(t, dtypes.BFloat16, buf.DType())
	assert.Len(t, buf.Bytes(), 8*dtypes.BFloat16.Size())

	buf.SetFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8})
	clone := buf.Clone()
	buf.SetFloats([]float32{9, 9, 9, 9, 9, 9, 9, 9})
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, clone.Floats(), "clones must be independent")
}
