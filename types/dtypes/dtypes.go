// Package dtypes defines the element types supported by the collective
// equivalence checks, and the conversions between their wire representation
// and float32 host values.
//
// Only the three types exercised by the checks are supported: Float32,
// Float16 and BFloat16. Buffers are flat []byte slices in little-endian
// element order; there is no shape information beyond the element count.
package dtypes

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum of the element types supported by the checker.
type DType int

//go:generate go tool enumer -type=DType dtypes.go

const (
	InvalidDType DType = iota
	Float32
	Float16
	BFloat16
)

// Size returns the number of bytes per element.
func (dt DType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	default:
		return 0
	}
}

// Put encodes v into b (at least Size() bytes) using dt's representation.
//
// Float16 uses IEEE binary16 conversion; BFloat16 rounds the float32 bit
// pattern to the nearest even 8-bit mantissa.
func (dt DType) Put(b []byte, v float32) {
	switch dt {
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	case Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
	case BFloat16:
		bits := math.Float32bits(v)
		rounded := bits + 0x7fff + ((bits >> 16) & 1)
		binary.LittleEndian.PutUint16(b, uint16(rounded>>16))
	default:
		panic(fmt.Sprintf("Put: unsupported dtype %s", dt))
	}
}

// Get decodes one element from b.
func (dt DType) Get(b []byte) float32 {
	switch dt {
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
	case BFloat16:
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
	default:
		panic(fmt.Sprintf("Get: unsupported dtype %s", dt))
	}
}

// NumElements returns how many dt elements fit in data.
func (dt DType) NumElements(data []byte) int {
	return len(data) / dt.Size()
}

// Floats decodes data into a freshly allocated []float32.
func (dt DType) Floats(data []byte) []float32 {
	sz := dt.Size()
	out := make([]float32, len(data)/sz)
	for i := range out {
		out[i] = dt.Get(data[i*sz:])
	}
	return out
}

// PutFloats encodes vs into data, which must hold len(vs) elements.
func (dt DType) PutFloats(data []byte, vs []float32) {
	sz := dt.Size()
	for i, v := range vs {
		dt.Put(data[i*sz:], v)
	}
}

// FillRandomInts fills data with integer values drawn uniformly from
// [lo, hi), encoded as dt.
//
// Integer inputs keep the reduction exact: for small integers every partial
// sum is exactly representable in all three supported types, so accelerated
// and reference reductions must agree bit for bit, with no tolerance.
func FillRandomInts(rng *rand.Rand, dt DType, data []byte, lo, hi int) {
	sz := dt.Size()
	for i := 0; i < len(data); i += sz {
		dt.Put(data[i:], float32(lo+rng.IntN(hi-lo)))
	}
}

// Compare checks got against want elementwise at the bit level.
// It returns nil when equal, or an error describing the first differing
// element and the total mismatch count.
func Compare(dt DType, got, want []byte) error {
	if len(got) != len(want) {
		return errors.Errorf("buffer length mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}
	sz := dt.Size()
	first := -1
	count := 0
	for i := 0; i+sz <= len(got); i += sz {
		equal := false
		switch sz {
		case 2:
			equal = binary.LittleEndian.Uint16(got[i:]) == binary.LittleEndian.Uint16(want[i:])
		case 4:
			equal = binary.LittleEndian.Uint32(got[i:]) == binary.LittleEndian.Uint32(want[i:])
		}
		if !equal {
			if first < 0 {
				first = i / sz
			}
			count++
		}
	}
	if first < 0 {
		return nil
	}
	off := first * sz
	return errors.Errorf("%d of %d elements differ, first at #%d: got %v, want %v (dtype=%s)",
		count, dt.NumElements(got), first, dt.Get(got[off:]), dt.Get(want[off:]), dt)
}
