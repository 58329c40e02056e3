package collcheck

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrResourceUnavailable means no rendezvous port could be allocated on the
// local host. Fatal before any work starts.
var ErrResourceUnavailable = errors.New("no rendezvous port could be allocated")

// JoinError means a worker could not establish its group membership within
// the bootstrap window. It fails only the affected worker, but the launcher
// still surfaces it as an overall run failure: the correctness check is
// only meaningful with the full group present.
type JoinError struct {
	Rank int
	Err  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("rank %d failed to join the group: %v", e.Rank, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// MismatchError reports elementwise inequality between the active and the
// reference backend outputs. Never retried: masking a mismatch would defeat
// the tool's purpose.
type MismatchError struct {
	Case    TestCase
	Rank    int
	Backend string
	Detail  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verification mismatch at rank %d (%s, backend=%s): %s",
		e.Rank, e.Case, e.Backend, e.Detail)
}
