package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gomlx/collcheck/internal/device"
	"github.com/gomlx/collcheck/internal/group"
)

// reference is the network-transport backend every accelerated backend is
// checked against: rank 0 gathers all contributions, sums them in rank
// order, and broadcasts the result back.
type reference struct {
	g   *group.Group
	dev *device.Device
}

// NewReference creates the reference backend for a joined group.
func NewReference(g *group.Group, dev *device.Device) Backend {
	return &reference{g: g, dev: dev}
}

func (r *reference) Name() string { return "reference" }

func (r *reference) AllReduce(ctx context.Context, buf *device.Buffer) error {
	if buf == nil || buf.Len() == 0 {
		return errors.New("reference: AllReduce requires a non-empty buffer")
	}
	r.dev.Enqueue("reference.allreduce", func() error {
		data := buf.Bytes()
		if r.g.Rank() != 0 {
			if _, err := r.g.Gather(ctx, data); err != nil {
				return err
			}
			return r.g.Bcast(ctx, data)
		}
		parts, err := r.g.Gather(ctx, data)
		if err != nil {
			return err
		}
		acc := parts[0]
		for rank := 1; rank < r.g.WorldSize(); rank++ {
			addInto(buf.DType(), acc, parts[rank])
		}
		copy(data, acc)
		return r.g.Bcast(ctx, data)
	})
	return nil
}
