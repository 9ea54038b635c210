package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/MacJediWizard/snapdump/internal/command"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Transfer is one zfs send/receive step. An empty From is a full stream of
// snapshot To; otherwise it is an incremental stream of every snapshot
// after From up to To.
type Transfer struct {
	From string
	To   string
}

// Kind returns "full" or "incremental".
func (t Transfer) Kind() string {
	if t.From == "" {
		return "full"
	}
	return "incremental"
}

// Plan is what it takes to bring one destination volume up to date.
type Plan struct {
	Source    string
	Dest      string
	Create    bool
	Transfers []Transfer
}

// UpToDate reports whether nothing needs to happen.
func (p Plan) UpToDate() bool {
	return !p.Create && len(p.Transfers) == 0
}

// planFilesystem decides how to replicate src onto dest. A nil dest means
// the destination volume does not exist yet and will be named destName.
func planFilesystem(src Filesystem, dest *Filesystem, destName string) (Plan, error) {
	if dest != nil {
		plan := Plan{Source: src.Name, Dest: dest.Name}
		if len(dest.Snapshots) == 0 {
			return plan, fmt.Errorf("%s: %w", dest.Name, ErrEmptyDestination)
		}
		lastDest := dest.Snapshots[len(dest.Snapshots)-1]
		if !slices.Contains(src.Snapshots, lastDest) {
			return plan, fmt.Errorf("%s@%s: %w", dest.Name, lastDest, ErrDivergedHistory)
		}
		latest := src.Snapshots[len(src.Snapshots)-1]
		if latest != lastDest {
			plan.Transfers = []Transfer{{From: lastDest, To: latest}}
		}
		return plan, nil
	}

	plan := Plan{Source: src.Name, Dest: destName, Create: true}
	if len(src.Snapshots) == 0 {
		return plan, fmt.Errorf("%s: %w", src.Name, ErrNoSnapshots)
	}
	first := src.Snapshots[0]
	latest := src.Snapshots[len(src.Snapshots)-1]
	plan.Transfers = []Transfer{{To: first}}
	if latest != first {
		plan.Transfers = append(plan.Transfers, Transfer{From: first, To: latest})
	}
	return plan, nil
}

// Exclusions is a set of patterns matched against source volume names.
// Excluding a parent does not exclude its children, and an excluded parent
// is not created on the destination for them.
type Exclusions []*regexp.Regexp

// NewExclusions compiles each pattern.
func NewExclusions(patterns []string) (Exclusions, error) {
	ex := make(Exclusions, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		ex = append(ex, re)
	}
	return ex, nil
}

// Excluded reports whether name matches any pattern.
func (e Exclusions) Excluded(name string) bool {
	for _, re := range e {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Clone replicates every volume under source in this inventory to the
// matching volume under dest in destZfs. Volumes are paired by the part of
// their name below source and dest. Without perform, the plan and size
// estimates are printed but nothing is created or sent. The first error
// stops the whole clone.
func (z *Zfs) Clone(ctx context.Context, source, dest string, destZfs *Zfs, perform bool, excludes []string) error {
	ex, err := NewExclusions(excludes)
	if err != nil {
		return err
	}

	destBySuffix := make(map[string]Filesystem)
	for _, d := range destZfs.Filtered(dest) {
		destBySuffix[d.Name[len(dest):]] = d
	}

	out := z.opts.Out
	for _, src := range z.Filtered(source) {
		if ex.Excluded(src.Name) {
			z.logger.Debug().Str("volume", src.Name).Msg("excluded from clone")
			continue
		}
		// Bookmarks are listed as volumes but cannot be sent.
		if strings.Contains(src.Name, "#") {
			continue
		}

		suffix := src.Name[len(source):]
		var plan Plan
		destFs, exists := destBySuffix[suffix]
		if exists {
			fmt.Fprintf(out, "Clone existing: %q to %q\n", src.Name, destFs.Name)
			plan, err = planFilesystem(src, &destFs, "")
		} else {
			fmt.Fprintf(out, "Clone fresh: %q %q+%q\n", src.Name, dest, suffix)
			destFs = Filesystem{Name: dest + suffix, Mount: "*INVALID*"}
			plan, err = planFilesystem(src, nil, destFs.Name)
		}
		if err != nil {
			return fmt.Errorf("clone %s: %w", src.Name, err)
		}

		if err := z.execute(ctx, plan, destZfs, perform); err != nil {
			return fmt.Errorf("clone %s: %w", src.Name, err)
		}

		if !perform {
			if err := printPair(out, src, destFs); err != nil {
				return err
			}
		}
	}
	return nil
}

// execute carries out a plan. Size estimates are always queried; creation
// and transfers only happen when perform is set.
func (z *Zfs) execute(ctx context.Context, plan Plan, destZfs *Zfs, perform bool) error {
	out := z.opts.Out
	if plan.UpToDate() {
		fmt.Fprintln(out, "Destination is up to date")
		return nil
	}

	if plan.Create && perform {
		if err := z.makeVolume(ctx, plan.Source, destZfs, plan.Dest); err != nil {
			return err
		}
	}

	for _, t := range plan.Transfers {
		if t.From == "" {
			fmt.Fprintf(out, "Full clone from %s@%s to %s\n", plan.Source, t.To, plan.Dest)
		} else {
			fmt.Fprintf(out, "Clone from %s@%s to %s@%s\n", plan.Source, t.From, plan.Dest, t.To)
		}

		size := z.estimateSize(ctx, plan.Source, t)
		fmt.Fprintf(out, "Estimate: %s\n", humanize.IBytes(uint64(size)))

		if !perform {
			continue
		}
		err := z.transfer(ctx, plan.Source, destZfs, plan.Dest, t, size)
		z.opts.Metrics.RecordTransfer(t.Kind(), err, size)
		if err != nil {
			return err
		}
		z.logger.Info().
			Str("source", plan.Source+"@"+t.To).
			Str("dest", plan.Dest).
			Str("kind", t.Kind()).
			Msg("transfer complete")
	}
	return nil
}

// estimateSize asks zfs how large the stream for t will be. The estimate
// only drives progress display, so any failure is logged and reported as
// zero.
func (z *Zfs) estimateSize(ctx context.Context, src string, t Transfer) int64 {
	out, err := command.OutputCaptured(z.command(ctx, sendArgs(src, t, "-nP")...))
	if err != nil {
		z.logger.Warn().Err(err).Str("volume", src).Msg("size estimate failed")
		return 0
	}
	size, err := parseEstimate(out)
	if err != nil {
		z.logger.Warn().Err(err).Str("volume", src).Msg("size estimate unreadable")
		return 0
	}
	return size
}

// parseEstimate finds the "size" line in "zfs send -nP" output.
func parseEstimate(out []byte) (int64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return 0, &ParseError{Line: line, Reason: "size estimate line has fewer than two fields"}
		}
		if fields[0] != "size" {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, &ParseError{Line: line, Reason: "size is not a number"}
		}
		return n, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read size estimate: %w", err)
	}
	return 0, nil
}

func printPair(out io.Writer, src, dest Filesystem) error {
	for _, part := range []struct {
		label string
		fs    Filesystem
	}{{"Clone from:", src}, {"Clone to:", dest}} {
		data, err := yaml.Marshal(part.fs)
		if err != nil {
			return fmt.Errorf("render plan: %w", err)
		}
		fmt.Fprintln(out, part.label)
		fmt.Fprintln(out, strings.TrimRight(string(data), "\n"))
	}
	return nil
}
