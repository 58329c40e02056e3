// End-to-end runs of the full harness: launcher, TCP rendezvous, worker
// state machine, backends and aggregation, with workers as goroutines of
// this test process (they still talk over real sockets).
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/collcheck"
	"github.com/gomlx/collcheck/internal/backend"
	"github.com/gomlx/collcheck/types/dtypes"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	m.Run()
}

func runConfig(kind backend.Kind) collcheck.GroupConfig {
	return collcheck.GroupConfig{
		WorldSize:  8,
		MasterAddr: "127.0.0.1",
		Backend:    kind,
		Seed:       collcheck.DefaultSeed,
		NumDevices: 8,
		Trials:     1,
		Sizes:      []int{4096},
		DTypes:     []dtypes.DType{dtypes.Float32},
		Modes:      []collcheck.Mode{collcheck.Eager},
	}
}

func launch(t *testing.T, cfg collcheck.GroupConfig) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return collcheck.NewLauncher(cfg, &collcheck.LocalSpawner{}).Run(ctx)
}

func TestEagerAllReduce(t *testing.T) {
	// world=8, size=4096, float32, eager, integer inputs in [1,16): the
	// accelerated output must equal the reference output exactly.
	for _, kind := range []backend.Kind{backend.Ring, backend.Peer} {
		t.Run(kind.String(), func(t *testing.T) {
			require.NoError(t, launch(t, runConfig(kind)))
		})
	}
}

func TestGraphAllReduce(t *testing.T) {
	// Same scenario under graph replay. The worker replays every captured
	// graph twice, so a pass also establishes replay idempotence with the
	// recorded buffers.
	for _, kind := range []backend.Kind{backend.Ring, backend.Peer} {
		t.Run(kind.String(), func(t *testing.T) {
			cfg := runConfig(kind)
			cfg.Modes = []collcheck.Mode{collcheck.GraphReplay}
			require.NoError(t, launch(t, cfg))
		})
	}
}

func TestAllDTypesBothModes(t *testing.T) {
	cfg := runConfig(backend.Ring)
	cfg.WorldSize = 8
	cfg.Sizes = []int{512}
	cfg.DTypes = nil // defaults: float32, float16, bfloat16
	cfg.Modes = nil  // defaults: eager and graph-replay
	cfg.Trials = 2
	require.NoError(t, launch(t, cfg))
}

func TestFailingWorkerFailsTheRun(t *testing.T) {
	cfg := runConfig(backend.Ring)
	spawner := &collcheck.LocalSpawner{
		Worker: func(ctx context.Context, wc collcheck.WorkerContext) error {
			if wc.Rank == 5 {
				return &collcheck.MismatchError{
					Case:    collcheck.TestCase{Size: 4096, DType: dtypes.Float32},
					Rank:    5,
					Backend: "ring",
					Detail:  "buffer #1: simulated divergence",
				}
			}
			return nil
		},
	}
	err := collcheck.NewLauncher(cfg, spawner).Run(context.Background())
	require.Error(t, err)
	var mismatch *collcheck.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 5, mismatch.Rank)
	assert.Contains(t, err.Error(), "size=4096")
}

func TestJoinFailureSurfacesAsRunFailure(t *testing.T) {
	// One rank never joins; the remaining ranks must fail their bootstrap
	// window instead of hanging, and the run as a whole must fail.
	cfg := runConfig(backend.Reference)
	cfg.WorldSize = 8
	spawner := &collcheck.LocalSpawner{
		Worker: func(ctx context.Context, wc collcheck.WorkerContext) error {
			if wc.Rank == 3 {
				return &collcheck.JoinError{Rank: 3}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return collcheck.RunWorker(ctx, wc)
		},
	}
	err := collcheck.NewLauncher(cfg, spawner).Run(context.Background())
	require.Error(t, err)
}
