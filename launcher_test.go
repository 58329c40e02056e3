package collcheck

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/collcheck/internal/backend"
	"github.com/gomlx/collcheck/types/dtypes"
)

// fakeSpawner records the contexts it was asked to spawn and lets the test
// script each worker's outcome.
type fakeSpawner struct {
	mu       sync.Mutex
	spawned  []WorkerContext
	outcomes map[int]error // by rank; missing means success
	shutdown bool
}

func (s *fakeSpawner) Spawn(_ context.Context, wc WorkerContext) (JoinHandle, error) {
	s.mu.Lock()
	s.spawned = append(s.spawned, wc)
	err := s.outcomes[wc.Rank]
	s.mu.Unlock()
	return joinFunc(func() error { return err }), nil
}

func (s *fakeSpawner) Shutdown() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return nil
}

func testConfig(world int) GroupConfig {
	return GroupConfig{
		WorldSize:  world,
		MasterAddr: "127.0.0.1",
		Backend:    backend.Reference,
		Seed:       DefaultSeed,
		NumDevices: 4,
		Trials:     1,
		Sizes:      []int{8},
	}
}

func TestLauncher_SpawnsEveryRankOnce(t *testing.T) {
	spawner := &fakeSpawner{}
	err := NewLauncher(testConfig(8), spawner).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, spawner.spawned, 8)
	ranks := make([]int, 0, 8)
	for _, wc := range spawner.spawned {
		ranks = append(ranks, wc.Rank)
		assert.Equal(t, wc.Rank%4, wc.LocalDevice)
		assert.NotZero(t, wc.Config.Port, "launcher must inject the allocated rendezvous port")
		assert.NotEmpty(t, wc.Config.RunID)
	}
	sort.Ints(ranks)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, ranks, "ranks 0..n-1, no gaps, no duplicates")

	// All workers must receive the same config (ranks aside).
	for _, wc := range spawner.spawned[1:] {
		assert.Equal(t, spawner.spawned[0].Config.Port, wc.Config.Port)
		assert.Equal(t, spawner.spawned[0].Config.RunID, wc.Config.RunID)
	}
	assert.True(t, spawner.shutdown)
}

func TestLauncher_PropagatesFirstFailure(t *testing.T) {
	boom := errors.New("rank 3 mismatch")
	spawner := &fakeSpawner{outcomes: map[int]error{3: boom}}
	err := NewLauncher(testConfig(8), spawner).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, spawner.shutdown, "teardown must run on the failure path too")
}

func TestLauncher_RejectsInvalidConfigBeforeSpawning(t *testing.T) {
	spawner := &fakeSpawner{}

	cfg := testConfig(8)
	cfg.Backend = backend.InvalidKind
	err := NewLauncher(cfg, spawner).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, spawner.spawned, "no worker may start on an invalid backend selection")

	cfg = testConfig(0)
	err = NewLauncher(cfg, spawner).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, spawner.spawned)
}

func TestWorkerArgs_RoundTripFields(t *testing.T) {
	cfg := testConfig(8)
	cfg.Port = 12345
	cfg.RunID = "run-1"
	cfg.DTypes = []dtypes.DType{dtypes.BFloat16, dtypes.Float32}
	cfg.Modes = []Mode{Eager}
	args := workerArgs(WorkerContext{Rank: 5, LocalDevice: 1, Config: cfg})
	assert.Equal(t, "worker", args[0])
	assert.Contains(t, args, "--rank")
	assert.Contains(t, args, "5")
	assert.Contains(t, args, "12345")
	assert.Contains(t, args, "Reference")
	assert.Contains(t, args, "eager")
	assert.Contains(t, args, "run-1")
	// Every matrix axis must survive the process entry contract; a dtype
	// list narrowed by the launcher must reach the worker narrowed.
	assert.Contains(t, args, "--dtypes")
	assert.Contains(t, args, "BFloat16,Float32")
}
