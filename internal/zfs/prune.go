package zfs

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/MacJediWizard/snapdump/internal/command"
)

// HanoiPrunable returns the snapshots that Hanoi-style retention would
// delete, oldest first. snaps is oldest first; number extracts the index
// of a snapshot and reports false for names that are not numbered, which
// are never pruned.
//
// The keep newest numbered snapshots are always retained. Older ones are
// scanned newest to oldest, and each is kept only if no newer snapshot
// outside the window has the same population count in its index. This
// leaves one survivor per bit count, which thins the history roughly
// exponentially with age.
func HanoiPrunable(snaps []string, number func(string) (int, bool), keep int) []string {
	type numbered struct {
		name string
		num  int
	}
	var newest []numbered
	for i := len(snaps) - 1; i >= 0; i-- {
		if n, ok := number(snaps[i]); ok {
			newest = append(newest, numbered{name: snaps[i], num: n})
		}
	}

	seen := make(map[int]bool)
	var prune []string
	for i, s := range newest {
		if i < keep {
			continue
		}
		pop := bits.OnesCount(uint(s.num))
		if seen[pop] {
			prune = append(prune, s.name)
		}
		seen[pop] = true
	}

	// Oldest first.
	for i, j := 0, len(prune)-1; i < j; i, j = i+1, j-1 {
		prune[i], prune[j] = prune[j], prune[i]
	}
	return prune
}

// PruneHanoi applies Hanoi retention to the named volume. Without really,
// the snapshots that would be deleted are printed and nothing changes.
func (z *Zfs) PruneHanoi(ctx context.Context, fsName string, really bool) error {
	fs, ok := z.Find(fsName)
	if !ok {
		return fmt.Errorf("%s: %w", fsName, ErrVolumeNotFound)
	}

	prune := HanoiPrunable(fs.Snapshots, z.SnapNumber, z.opts.Keep)
	z.logger.Info().
		Str("volume", fsName).
		Int("snapshots", len(fs.Snapshots)).
		Int("prunable", len(prune)).
		Bool("really", really).
		Msg("hanoi prune")

	for _, snap := range prune {
		if err := z.PruneSnapshot(ctx, fsName, snap, really); err != nil {
			return err
		}
	}
	return nil
}

// PruneSnapshot deletes vol@snap, first trying to leave a bookmark vol#snap
// in its place so later incremental sends can still start from it. A
// failed bookmark is logged and does not stop the destroy.
func (z *Zfs) PruneSnapshot(ctx context.Context, vol, snap string, really bool) error {
	full := vol + "@" + snap
	if !really {
		fmt.Fprintf(z.opts.Out, "would prune: %s\n", full)
		return nil
	}
	fmt.Fprintf(z.opts.Out, "prune: %s\n", full)

	if err := command.Run(z.command(ctx, "bookmark", full, vol+"#"+snap)); err != nil {
		z.opts.Metrics.RecordBookmarkFailure()
		z.logger.Warn().Err(err).Str("snapshot", full).Msg("error creating bookmark")
	}

	if err := command.Run(z.command(ctx, "destroy", full)); err != nil {
		return fmt.Errorf("destroy %s: %w", full, err)
	}
	z.opts.Metrics.RecordPrune(vol)
	return nil
}
