package collcheck

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gomlx/collcheck/internal/backend"
	"github.com/gomlx/collcheck/internal/device"
	"github.com/gomlx/collcheck/internal/group"
	"github.com/gomlx/collcheck/types/dtypes"
)

// RunWorker drives one rank through the whole verification sequence:
// join the group, select the active backend, warm the communicators up,
// then execute the deterministic test matrix.
//
// It returns nil when every test case passed. Any join error, device error
// or verification mismatch terminates the worker's sequence; siblings are
// not cancelled, they either fail on the same shared-structure case or
// complete and are recognized as moot by the aggregator.
func RunWorker(ctx context.Context, wc WorkerContext) error {
	cfg := wc.Config.withDefaults()
	log := logrus.WithFields(logrus.Fields{"rank": wc.Rank, "run": cfg.RunID})

	// Joining: group membership plus the local device binding.
	if wc.LocalDevice < 0 || wc.LocalDevice >= cfg.NumDevices {
		return &JoinError{Rank: wc.Rank,
			Err: errors.Errorf("local device %d out of range [0, %d)", wc.LocalDevice, cfg.NumDevices)}
	}
	g, err := group.Join(ctx, group.Config{
		Rank:       wc.Rank,
		WorldSize:  cfg.WorldSize,
		MasterAddr: cfg.MasterAddr,
		Port:       cfg.Port,
	})
	if err != nil {
		return &JoinError{Rank: wc.Rank, Err: err}
	}
	defer g.Close()
	dev := device.New(wc.LocalDevice)
	defer dev.Close()
	log.WithField("device", dev.Index()).Debug("joined group")

	// BackendSelected: exactly one active backend per run.
	if err := cfg.Validate(); err != nil {
		return err
	}
	ref := backend.NewReference(g, dev)
	active, err := backend.New(cfg.Backend, g, dev)
	if err != nil {
		return err
	}
	log.WithField("backend", active.Name()).Debug("backend selected")

	// Warmup: communicators may initialize lazily on first use; a trivial
	// reduction plus a group barrier forces that setup to happen before any
	// verified case, so graph capture later sees only steady-state behavior.
	if err := warmup(ctx, g, dev, ref); err != nil {
		return errors.Wrapf(err, "rank %d warmup", wc.Rank)
	}

	cases := Cases(cfg.Sizes, cfg.DTypes, cfg.Modes, cfg.Trials)
	for i, tc := range cases {
		if err := runCase(ctx, dev, active, ref, cfg, wc.Rank, i, tc); err != nil {
			log.WithField("case", tc.String()).WithError(err).Error("case failed")
			return err
		}
	}
	log.WithField("cases", len(cases)).Info("all cases passed")
	return nil
}

func warmup(ctx context.Context, g *group.Group, dev *device.Device, ref backend.Backend) error {
	buf := device.NewBuffer(dtypes.Float32, 1)
	if err := ref.AllReduce(ctx, buf); err != nil {
		return err
	}
	if err := dev.Synchronize(); err != nil {
		return err
	}
	return g.Barrier(ctx)
}

// runCase executes one TestCase and verifies the active backend against
// the reference.
func runCase(ctx context.Context, dev *device.Device, active, ref backend.Backend,
	cfg GroupConfig, rank, caseIndex int, tc TestCase) error {
	// Seeded per (run, rank, case): reproducible across runs, distinct
	// across ranks, identical shape and order everywhere.
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(rank)<<32|uint64(caseIndex)))
	inp1 := device.NewBuffer(tc.DType, tc.Size)
	inp2 := device.NewBuffer(tc.DType, tc.Size)
	dtypes.FillRandomInts(rng, tc.DType, inp1.Bytes(), 1, 16)
	dtypes.FillRandomInts(rng, tc.DType, inp2.Bytes(), 1, 16)
	out1 := inp1.Clone()
	out2 := inp2.Clone()

	// The reference reduction reuses each input right after the active
	// backend reduced its copy. An active backend that only appears to
	// finish -- returning before its device work completed -- corrupts the
	// reference call's input and fails the comparison below.
	sequence := func() error {
		if err := active.AllReduce(ctx, out1); err != nil {
			return err
		}
		if err := ref.AllReduce(ctx, inp1); err != nil {
			return err
		}
		if err := active.AllReduce(ctx, out2); err != nil {
			return err
		}
		return ref.AllReduce(ctx, inp2)
	}

	verify := func() error {
		if err := dtypes.Compare(tc.DType, out1.Bytes(), inp1.Bytes()); err != nil {
			return &MismatchError{Case: tc, Rank: rank, Backend: active.Name(),
				Detail: "buffer #1: " + err.Error()}
		}
		if err := dtypes.Compare(tc.DType, out2.Bytes(), inp2.Bytes()); err != nil {
			return &MismatchError{Case: tc, Rank: rank, Backend: active.Name(),
				Detail: "buffer #2: " + err.Error()}
		}
		return nil
	}

	switch tc.Mode {
	case Eager:
		if err := sequence(); err != nil {
			return err
		}
		if err := dev.Synchronize(); err != nil {
			return err
		}
		return verify()

	case GraphReplay:
		graph, err := dev.Capture(sequence, out1, inp1, out2, inp2)
		if err != nil {
			return err
		}
		// Replay twice: the graph restores its recorded inputs on every
		// replay, so both replays must produce identical, correct results.
		for i := 0; i < 2; i++ {
			if err := dev.Replay(graph); err != nil {
				return err
			}
			if err := dev.Synchronize(); err != nil {
				return err
			}
			if err := verify(); err != nil {
				return err
			}
		}
		return nil

	default:
		return errors.Errorf("unknown execution mode %v", tc.Mode)
	}
}
