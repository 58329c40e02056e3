package collcheck

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// JoinHandle tracks one spawned worker until it terminates.
type JoinHandle interface {
	// Wait blocks until the worker finished and returns its outcome.
	Wait() error
}

// Spawner is the process-management capability the launcher runs on: start
// one worker with a distinct rank, and wait for it. The harness core does
// not care about the orchestration technology behind it.
type Spawner interface {
	Spawn(ctx context.Context, wc WorkerContext) (JoinHandle, error)

	// Shutdown releases the spawner's resources. The launcher calls it on
	// every exit path, including failures.
	Shutdown() error
}

// Launcher starts WorldSize workers with a shared rendezvous address and a
// fresh port, blocks until all of them terminated, and reports the first
// failure.
type Launcher struct {
	cfg     GroupConfig
	spawner Spawner
	log     *logrus.Entry
}

// NewLauncher creates a launcher for one run of the given configuration.
func NewLauncher(cfg GroupConfig, spawner Spawner) *Launcher {
	return &Launcher{
		cfg:     cfg.withDefaults(),
		spawner: spawner,
		log:     logrus.WithField("component", "launcher"),
	}
}

// Run executes the whole verification run. It validates the config,
// allocates the rendezvous port, fans out one worker per rank (each rank
// exactly once) and joins them all. The spawner is shut down on every exit
// path. The returned error is the first worker failure the aggregator saw,
// or nil when every worker reported success.
func (l *Launcher) Run(ctx context.Context) (err error) {
	cfg := l.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	port, err := GetOpenPort()
	if err != nil {
		return err
	}
	cfg.Port = port
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	log := l.log.WithField("run", cfg.RunID)
	log.WithFields(logrus.Fields{
		"world":   cfg.WorldSize,
		"master":  cfg.MasterAddr,
		"port":    cfg.Port,
		"backend": cfg.Backend,
	}).Info("starting workers")

	defer func() {
		if sErr := l.spawner.Shutdown(); sErr != nil && err == nil {
			err = sErr
		}
	}()

	type outcome struct {
		rank int
		err  error
	}
	results := make(chan outcome, cfg.WorldSize)
	for rank := 0; rank < cfg.WorldSize; rank++ {
		wc := WorkerContext{
			Rank:        rank,
			LocalDevice: rank % cfg.NumDevices,
			Config:      cfg,
		}
		handle, spawnErr := l.spawner.Spawn(ctx, wc)
		if spawnErr != nil {
			// Already-started siblings are left to run out; they will fail
			// their join once the bootstrap window expires.
			results <- outcome{rank, errors.Wrapf(spawnErr, "cannot spawn worker rank %d", rank)}
			continue
		}
		go func(rank int, handle JoinHandle) {
			results <- outcome{rank, handle.Wait()}
		}(rank, handle)
	}

	// Aggregation: join every worker, keep the first failure seen.
	var firstErr error
	for i := 0; i < cfg.WorldSize; i++ {
		r := <-results
		if r.err != nil {
			log.WithField("rank", r.rank).WithError(r.err).Error("worker failed")
			if firstErr == nil {
				firstErr = r.err
			}
		}
	}
	if firstErr == nil {
		log.Info("all workers passed")
	}
	return firstErr
}

type joinFunc func() error

func (f joinFunc) Wait() error { return f() }

// LocalSpawner runs each worker as a goroutine of the current process.
// Used by tests and single-host runs; the workers still rendezvous over
// TCP like separate processes would.
type LocalSpawner struct {
	// Worker overrides the worker entry point; defaults to RunWorker.
	Worker func(context.Context, WorkerContext) error

	wg sync.WaitGroup
}

func (s *LocalSpawner) Spawn(ctx context.Context, wc WorkerContext) (JoinHandle, error) {
	fn := s.Worker
	if fn == nil {
		fn = RunWorker
	}
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- fn(ctx, wc)
	}()
	return joinFunc(func() error { return <-done }), nil
}

func (s *LocalSpawner) Shutdown() error {
	s.wg.Wait()
	return nil
}

// ProcessSpawner re-executes the current binary with the hidden "worker"
// subcommand, one OS process per rank. Worker stdout/stderr pass through to
// the launcher's.
type ProcessSpawner struct {
	// Binary is the executable to run; defaults to the current executable.
	Binary string
	// Stdout and Stderr default to the launcher process's own.
	Stdout, Stderr io.Writer

	mu    sync.Mutex
	procs []*exec.Cmd
}

func (s *ProcessSpawner) Spawn(ctx context.Context, wc WorkerContext) (JoinHandle, error) {
	bin := s.Binary
	if bin == "" {
		var err error
		bin, err = os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "cannot locate worker binary")
		}
	}
	cmd := exec.CommandContext(ctx, bin, workerArgs(wc)...)
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "cannot start worker rank %d", wc.Rank)
	}
	s.mu.Lock()
	s.procs = append(s.procs, cmd)
	s.mu.Unlock()
	return joinFunc(func() error {
		if err := cmd.Wait(); err != nil {
			return errors.Wrapf(err, "worker rank %d", wc.Rank)
		}
		return nil
	}), nil
}

// Shutdown kills any worker process still running. Normally all of them
// were already waited for by the aggregator and this is a no-op.
func (s *ProcessSpawner) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.procs {
		if cmd.ProcessState == nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}

// workerArgs serializes a WorkerContext into the "worker" subcommand's
// flags (the per-worker process entry contract).
func workerArgs(wc WorkerContext) []string {
	cfg := wc.Config
	args := []string{"worker",
		"--rank", strconv.Itoa(wc.Rank),
		"--world", strconv.Itoa(cfg.WorldSize),
		"--master", cfg.MasterAddr,
		"--port", strconv.Itoa(cfg.Port),
		"--backend", cfg.Backend.String(),
		"--seed", strconv.FormatUint(cfg.Seed, 10),
		"--devices", strconv.Itoa(cfg.NumDevices),
		"--trials", strconv.Itoa(cfg.Trials),
		"--run", cfg.RunID,
	}
	if len(cfg.Sizes) > 0 {
		sizes := make([]string, len(cfg.Sizes))
		for i, size := range cfg.Sizes {
			sizes[i] = strconv.Itoa(size)
		}
		args = append(args, "--sizes", strings.Join(sizes, ","))
	}
	if len(cfg.DTypes) > 0 {
		dts := make([]string, len(cfg.DTypes))
		for i, dt := range cfg.DTypes {
			dts[i] = dt.String()
		}
		args = append(args, "--dtypes", strings.Join(dts, ","))
	}
	if len(cfg.Modes) > 0 {
		modes := make([]string, len(cfg.Modes))
		for i, mode := range cfg.Modes {
			modes[i] = mode.String()
		}
		args = append(args, "--modes", strings.Join(modes, ","))
	}
	return args
}
