// Package collcheck verifies that interchangeable collective-communication
// backends produce bit-identical all-reduce results across a group of
// cooperating worker processes, under eager execution and under
// recorded-graph replay.
//
// The harness bootstraps an ad-hoc group without a pre-existing
// coordinator: a launcher allocates a fresh rendezvous port, starts one
// worker per rank, and every worker drives itself through the same
// deterministic test matrix, comparing an accelerated backend's all-reduce
// output against the reference backend's, elementwise at the bit level.
// The first failing worker fails the whole run.
//
// Inputs are always small integers, which keeps every reduction exact in
// all supported element types and removes floating-point accumulation-order
// ambiguity from the comparison.
package collcheck

import (
	"os"
	"slices"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gomlx/collcheck/internal/backend"
	"github.com/gomlx/collcheck/types/dtypes"
)

// Defaults mirror the environment the checker was written for: groups of 8
// ranks (16 with the large-world flag) on a single host.
const (
	DefaultMasterAddr = "localhost"
	DefaultWorldSize  = 8
	LargeWorldSize    = 16
	DefaultNumDevices = 8
	DefaultSeed       = 42
)

// Recognized environment options.
const (
	// EnvMasterAddr overrides the default local-host rendezvous address.
	EnvMasterAddr = "COLLCHECK_MASTER_ADDR"
	// EnvWorld16 selects the larger supported group size (16 instead of 8)
	// when set to anything but "" or "0". Nothing else in the matrix
	// changes.
	EnvWorld16 = "COLLCHECK_WORLD16"
	// EnvNumDevices overrides how many local compute devices workers bind
	// to (rank mod devices).
	EnvNumDevices = "COLLCHECK_DEVICES"
)

// GroupConfig describes one verification run. It is created fresh per run
// by the launcher and passed by value to every worker; it is immutable once
// the run starts.
//
// Zero matrix fields (Sizes, DTypes, Modes, Trials) mean the defaults. All
// workers receive the same config, so the matrix they enumerate is
// identical without any inter-process synchronization.
type GroupConfig struct {
	WorldSize  int
	MasterAddr string
	Port       int // rendezvous port, filled in by the launcher
	Backend    backend.Kind
	Seed       uint64
	NumDevices int

	Trials int
	Sizes  []int
	DTypes []dtypes.DType
	Modes  []Mode

	RunID string // assigned by the launcher, tags all log lines of a run
}

// WorkerContext is everything one worker needs: its rank, the local device
// it binds to, and the shared group configuration. Created once per worker
// at process start and never shared across processes.
type WorkerContext struct {
	Rank        int
	LocalDevice int
	Config      GroupConfig
}

// ConfigFromEnv builds a GroupConfig from defaults plus the recognized
// environment options.
func ConfigFromEnv() GroupConfig {
	cfg := GroupConfig{
		WorldSize:  DefaultWorldSize,
		MasterAddr: DefaultMasterAddr,
		Backend:    backend.Reference,
		Seed:       DefaultSeed,
		NumDevices: DefaultNumDevices,
	}
	if v := os.Getenv(EnvMasterAddr); v != "" {
		cfg.MasterAddr = v
	}
	if v := os.Getenv(EnvWorld16); v != "" && v != "0" {
		cfg.WorldSize = LargeWorldSize
	}
	if v := os.Getenv(EnvNumDevices); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NumDevices = n
		}
	}
	return cfg
}

// withDefaults fills the zero matrix fields in.
func (c GroupConfig) withDefaults() GroupConfig {
	if c.MasterAddr == "" {
		c.MasterAddr = DefaultMasterAddr
	}
	if c.NumDevices == 0 {
		c.NumDevices = DefaultNumDevices
	}
	if c.Trials == 0 {
		c.Trials = DefaultTrials
	}
	if len(c.Sizes) == 0 {
		c.Sizes = slices.Clone(DefaultSizes)
	}
	if len(c.DTypes) == 0 {
		c.DTypes = slices.Clone(DefaultDTypes)
	}
	if len(c.Modes) == 0 {
		c.Modes = slices.Clone(DefaultModes)
	}
	return c
}

// Validate checks the parts of the config that must hold before any worker
// is started.
func (c GroupConfig) Validate() error {
	if c.WorldSize <= 0 {
		return errors.Errorf("world size must be positive, got %d", c.WorldSize)
	}
	if c.NumDevices < 0 {
		return errors.Errorf("number of devices cannot be negative, got %d", c.NumDevices)
	}
	if !c.Backend.IsAKind() || c.Backend == backend.InvalidKind {
		return errors.Errorf("invalid backend selection %q", c.Backend)
	}
	if c.Trials < 0 {
		return errors.Errorf("trial count cannot be negative, got %d", c.Trials)
	}
	for _, size := range c.Sizes {
		if size <= 0 {
			return errors.Errorf("test sizes must be positive, got %d", size)
		}
	}
	for _, dt := range c.DTypes {
		if !dt.IsADType() || dt == dtypes.InvalidDType {
			return errors.Errorf("invalid element type %q", dt)
		}
	}
	return nil
}
