package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gomlx/collcheck/internal/device"
	"github.com/gomlx/collcheck/internal/group"
)

// ring is an accelerated peer-to-peer backend: scatter-reduce followed by
// all-gather over the ring of mesh neighbors, the classic bandwidth-optimal
// all-reduce.
type ring struct {
	g   *group.Group
	dev *device.Device
}

// NewRing creates the ring backend for a joined group.
func NewRing(g *group.Group, dev *device.Device) Backend {
	return &ring{g: g, dev: dev}
}

func (r *ring) Name() string { return "ring" }

func (r *ring) AllReduce(ctx context.Context, buf *device.Buffer) error {
	if buf == nil || buf.Len() == 0 {
		return errors.New("ring: AllReduce requires a non-empty buffer")
	}
	r.dev.Enqueue("ring.allreduce", func() error {
		return ringAllReduce(ctx, r.g, buf)
	})
	return nil
}

func ringAllReduce(ctx context.Context, g *group.Group, buf *device.Buffer) error {
	world := g.WorldSize()
	if world == 1 {
		return nil
	}
	rank := g.Rank()
	succ := (rank + 1) % world
	pred := (rank + world - 1) % world

	dt := buf.DType()
	sz := dt.Size()
	n := buf.Len()
	data := buf.Bytes()

	// The buffer is split into world chunks by ceil division; trailing
	// chunks may be shorter or empty when world does not divide n.
	chunkLen := (n + world - 1) / world
	chunk := func(c int) []byte {
		lo := min(n, c*chunkLen)
		hi := min(n, lo+chunkLen)
		return data[lo*sz : hi*sz]
	}

	exchange := func(sendC, recvC int, combine func(dst, src []byte)) error {
		sendErr := make(chan error, 1)
		payload := append([]byte(nil), chunk(sendC)...)
		go func() {
			sendErr <- g.SendTo(ctx, succ, payload)
		}()
		in, err := g.RecvFrom(ctx, pred)
		if err != nil {
			<-sendErr
			return err
		}
		dst := chunk(recvC)
		if len(in) != len(dst) {
			<-sendErr
			return errors.Errorf("ring: received chunk of %d bytes, want %d", len(in), len(dst))
		}
		combine(dst, in)
		return <-sendErr
	}

	// Scatter-reduce: after world-1 steps each rank holds the complete sum
	// of one chunk.
	for step := 0; step < world-1; step++ {
		sendC := ((rank-step)%world + world) % world
		recvC := ((rank-step-1)%world + world) % world
		if err := exchange(sendC, recvC, func(dst, src []byte) { addInto(dt, dst, src) }); err != nil {
			return err
		}
	}

	// All-gather: circulate the finished chunks around the ring.
	for step := 0; step < world-1; step++ {
		sendC := ((rank+1-step)%world + world) % world
		recvC := ((rank-step)%world + world) % world
		if err := exchange(sendC, recvC, func(dst, src []byte) { copy(dst, src) }); err != nil {
			return err
		}
	}
	return nil
}
