// Package backend implements the collective-communication backends whose
// outputs the harness compares: a reference backend routed through rank 0,
// and two accelerated peer-to-peer backends (ring and direct exchange).
//
// A backend does not execute immediately: AllReduce enqueues the network
// work on the worker's device queue, so the harness must Synchronize the
// device before reading the buffer. This is what lets the same calls be
// recorded into a device graph and replayed later.
package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gomlx/collcheck/internal/device"
	"github.com/gomlx/collcheck/internal/group"
	"github.com/gomlx/collcheck/types/dtypes"
)

// Kind identifies one backend implementation.
type Kind int

//go:generate go tool enumer -type=Kind backend.go

const (
	InvalidKind Kind = iota
	Reference
	Ring
	Peer
)

// ErrConflict is returned when more than one accelerated backend is
// enabled at once. Exactly one backend may be active per run.
var ErrConflict = errors.New("conflicting backend selection: at most one accelerated backend may be enabled")

// Select resolves the accelerated-backend flags into the single active
// Kind. With neither flag set the reference backend doubles as the active
// one (the comparison then degenerates to a self-check, still useful to
// exercise the harness). Both flags set is rejected before any worker
// starts.
func Select(useRing, usePeer bool) (Kind, error) {
	switch {
	case useRing && usePeer:
		return InvalidKind, ErrConflict
	case useRing:
		return Ring, nil
	case usePeer:
		return Peer, nil
	default:
		return Reference, nil
	}
}

// Backend is the narrow interface the harness consumes.
type Backend interface {
	// Name identifies the backend in logs and failure reports.
	Name() string

	// AllReduce sums buf elementwise across all ranks of the group, in
	// place. The operation is enqueued on the device queue; the result is
	// only valid after the device has been synchronized. Every rank must
	// call AllReduce with buffers of identical length and dtype, in the
	// same group-wide order.
	AllReduce(ctx context.Context, buf *device.Buffer) error
}

// New creates the backend of the given kind, bound to a joined group and
// the worker's device.
func New(kind Kind, g *group.Group, dev *device.Device) (Backend, error) {
	switch kind {
	case Reference:
		return NewReference(g, dev), nil
	case Ring:
		return NewRing(g, dev), nil
	case Peer:
		return NewPeer(g, dev), nil
	default:
		return nil, errors.Errorf("unknown backend kind %s", kind)
	}
}

// addInto accumulates src into dst elementwise: dst += src, in the dtype's
// own domain. For the integer-valued inputs the harness generates, every
// partial sum is exactly representable, so the accumulation stays exact.
func addInto(dt dtypes.DType, dst, src []byte) {
	sz := dt.Size()
	for i := 0; i+sz <= len(dst); i += sz {
		dt.Put(dst[i:], dt.Get(dst[i:])+dt.Get(src[i:]))
	}
}
