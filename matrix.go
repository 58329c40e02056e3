package collcheck

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/collcheck/types/dtypes"
)

// Mode is the execution mode of a test case.
type Mode int

const (
	// Eager executes each reduction immediately.
	Eager Mode = iota
	// GraphReplay records the reduction sequence into a device graph and
	// executes it by replaying the graph.
	GraphReplay
)

func (m Mode) String() string {
	switch m {
	case Eager:
		return "eager"
	case GraphReplay:
		return "graph-replay"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeString parses the string form produced by Mode.String.
func ModeString(s string) (Mode, error) {
	switch s {
	case "eager":
		return Eager, nil
	case "graph-replay":
		return GraphReplay, nil
	default:
		return 0, errors.Errorf("%s does not belong to Mode values", s)
	}
}

// Matrix defaults: buffer sizes from 1KB to 1MB of float32, the three
// supported element types, both execution modes, 10 trials per
// combination.
var (
	DefaultSizes  = []int{512, 4096, 32768, 262144, 524288}
	DefaultDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16}
	DefaultModes  = []Mode{Eager, GraphReplay}
)

const DefaultTrials = 10

// TestCase is one cell of the verification matrix. Pure value; trials with
// the same parameters differ only in their (deterministically seeded)
// buffer contents.
type TestCase struct {
	Size  int // element count
	DType dtypes.DType
	Mode  Mode
	Trial int
}

func (tc TestCase) String() string {
	return fmt.Sprintf("size=%d dtype=%s mode=%s trial=%d", tc.Size, tc.DType, tc.Mode, tc.Trial)
}

// Cases enumerates the ordered test matrix: mode (in the given order), then
// size ascending, then dtype in list order, then trial ascending.
//
// The enumeration is a pure function of its arguments: no randomness, no
// I/O. Every worker calls it with identical parameters and obtains a
// byte-identical sequence, which is what lets a graph captured on one rank
// align structurally with its peers -- a mode or shape disagreement across
// the group would deadlock or corrupt memory, not just fail a value check.
func Cases(sizes []int, dts []dtypes.DType, modes []Mode, trials int) []TestCase {
	sizes = slices.Clone(sizes)
	slices.Sort(sizes)
	out := make([]TestCase, 0, len(modes)*len(sizes)*len(dts)*trials)
	for _, mode := range modes {
		for _, size := range sizes {
			for _, dt := range dts {
				for trial := 0; trial < trials; trial++ {
					out = append(out, TestCase{Size: size, DType: dt, Mode: mode, Trial: trial})
				}
			}
		}
	}
	return out
}
