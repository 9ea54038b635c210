package zfs

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/snapdump/internal/mounts"
)

var (
	// ErrDivergedHistory is returned when the newest destination snapshot
	// is not present on the source, so the destination cannot be extended.
	ErrDivergedHistory = errors.New("last destination snapshot not present in source")

	// ErrEmptyDestination is returned when a destination volume exists but
	// has no snapshots to extend incrementally.
	ErrEmptyDestination = errors.New("destination volume exists but has no snapshots")

	// ErrNoSnapshots is returned when a source volume has nothing to send.
	ErrNoSnapshots = errors.New("source volume has no snapshots")

	// ErrVolumeNotFound is returned when a named volume is not in the
	// inventory.
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrRemoteSnapshot is returned when asked to snapshot a remote pool.
	ErrRemoteSnapshot = errors.New("only local snapshots supported")

	// ErrNotMounted is returned by FindMount for a volume that is not
	// mounted.
	ErrNotMounted = mounts.ErrNotMounted
)

// ParseError describes output from zfs that could not be understood.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse zfs output %q: %s", e.Line, e.Reason)
}

// Pipeline stage names used in StageError.
const (
	StageSend    = "send"
	StageMonitor = "monitor"
	StageReceive = "receive"
)

// StageError reports which stage of a send/receive pipeline failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("zfs %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
