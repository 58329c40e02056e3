// Command collcheck verifies that accelerated collective-communication
// backends produce bit-identical all-reduce results against the reference
// backend, across a freshly bootstrapped group of worker processes.
//
// The launcher entry is "collcheck run"; it re-executes this binary with
// the hidden "worker" subcommand, once per rank.
package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gomlx/collcheck"
	"github.com/gomlx/collcheck/internal/backend"
	"github.com/gomlx/collcheck/types/dtypes"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "collcheck",
		Short:         "Equivalence checker for collective-communication backends",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newRunCmd(), newWorkerCmd())
	return root
}

func newRunCmd() *cobra.Command {
	env := collcheck.ConfigFromEnv()
	var (
		useRing, usePeer bool
		local            bool
		sizesCSV         string
		modesCSV         string
		trials           int
		seed             uint64
		world            int
		master           string
		devices          int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch a verification run (one worker per rank)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if world != collcheck.DefaultWorldSize && world != collcheck.LargeWorldSize {
				return errors.Errorf("supported world sizes are %d and %d, got %d",
					collcheck.DefaultWorldSize, collcheck.LargeWorldSize, world)
			}
			kind, err := backend.Select(useRing, usePeer)
			if err != nil {
				return err
			}
			cfg := env
			cfg.WorldSize = world
			cfg.MasterAddr = master
			cfg.Backend = kind
			cfg.Seed = seed
			cfg.NumDevices = devices
			cfg.Trials = trials
			if cfg.Sizes, err = parseSizes(sizesCSV); err != nil {
				return err
			}
			if cfg.Modes, err = parseModes(modesCSV); err != nil {
				return err
			}

			var spawner collcheck.Spawner
			if local {
				spawner = &collcheck.LocalSpawner{}
			} else {
				spawner = &collcheck.ProcessSpawner{}
			}
			return collcheck.NewLauncher(cfg, spawner).Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&world, "world", env.WorldSize, "group size (8, or 16)")
	cmd.Flags().StringVar(&master, "master", env.MasterAddr, "rendezvous master address")
	cmd.Flags().BoolVar(&useRing, "ring", false, "enable the ring backend")
	cmd.Flags().BoolVar(&usePeer, "peer", false, "enable the direct peer-exchange backend")
	cmd.Flags().BoolVar(&local, "local", false, "run workers as goroutines instead of processes")
	cmd.Flags().StringVar(&sizesCSV, "sizes", "", "comma-separated element counts (default: full matrix)")
	cmd.Flags().StringVar(&modesCSV, "modes", "", "comma-separated modes: eager,graph-replay (default: both)")
	cmd.Flags().IntVar(&trials, "trials", collcheck.DefaultTrials, "trials per matrix cell")
	cmd.Flags().Uint64Var(&seed, "seed", env.Seed, "base seed for the random buffer contents")
	cmd.Flags().IntVar(&devices, "devices", env.NumDevices, "local compute devices (workers bind rank mod devices)")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var (
		rank, world, port int
		master            string
		backendName       string
		seed              uint64
		devices           int
		trials            int
		sizesCSV          string
		dtypesCSV         string
		modesCSV          string
		runID             string
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Short:  "Worker process entry (started by the launcher)",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := backend.KindString(backendName)
			if err != nil {
				return err
			}
			cfg := collcheck.GroupConfig{
				WorldSize:  world,
				MasterAddr: master,
				Port:       port,
				Backend:    kind,
				Seed:       seed,
				NumDevices: devices,
				Trials:     trials,
				RunID:      runID,
			}
			if cfg.Sizes, err = parseSizes(sizesCSV); err != nil {
				return err
			}
			if cfg.DTypes, err = parseDTypes(dtypesCSV); err != nil {
				return err
			}
			if cfg.Modes, err = parseModes(modesCSV); err != nil {
				return err
			}

			wc := collcheck.WorkerContext{
				Rank:        rank,
				LocalDevice: rank % max(devices, 1),
				Config:      cfg,
			}
			if err := collcheck.RunWorker(cmd.Context(), wc); err != nil {
				logrus.WithField("rank", rank).WithError(err).Error("worker failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&rank, "rank", -1, "this worker's rank")
	cmd.Flags().IntVar(&world, "world", 0, "group size")
	cmd.Flags().StringVar(&master, "master", collcheck.DefaultMasterAddr, "rendezvous master address")
	cmd.Flags().IntVar(&port, "port", 0, "rendezvous port")
	cmd.Flags().StringVar(&backendName, "backend", backend.Reference.String(), "active backend")
	cmd.Flags().Uint64Var(&seed, "seed", collcheck.DefaultSeed, "base seed")
	cmd.Flags().IntVar(&devices, "devices", collcheck.DefaultNumDevices, "local compute devices")
	cmd.Flags().IntVar(&trials, "trials", collcheck.DefaultTrials, "trials per matrix cell")
	cmd.Flags().StringVar(&sizesCSV, "sizes", "", "comma-separated element counts")
	cmd.Flags().StringVar(&dtypesCSV, "dtypes", "", "comma-separated element types")
	cmd.Flags().StringVar(&modesCSV, "modes", "", "comma-separated modes")
	cmd.Flags().StringVar(&runID, "run", "", "run identifier")
	return cmd
}

func parseSizes(csv string) ([]int, error) {
	if csv == "" {
		return nil, nil
	}
	var sizes []int
	for _, part := range strings.Split(csv, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, errors.Errorf("invalid size %q", part)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func parseDTypes(csv string) ([]dtypes.DType, error) {
	if csv == "" {
		return nil, nil
	}
	var dts []dtypes.DType
	for _, part := range strings.Split(csv, ",") {
		dt, err := dtypes.DTypeString(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		dts = append(dts, dt)
	}
	return dts, nil
}

func parseModes(csv string) ([]collcheck.Mode, error) {
	if csv == "" {
		return nil, nil
	}
	var modes []collcheck.Mode
	for _, part := range strings.Split(csv, ",") {
		mode, err := collcheck.ModeString(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		modes = append(modes, mode)
	}
	return modes, nil
}
