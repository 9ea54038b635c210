// Package zfs reads ZFS inventories and replicates and prunes snapshots.
//
// An inventory (Zfs) is built once from a single "zfs list" call and is
// never refreshed. Callers that need to observe changes they have made
// must build a new one.
package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/snapdump/internal/command"
	"github.com/MacJediWizard/snapdump/internal/metrics"
	"github.com/MacJediWizard/snapdump/internal/mounts"
	"github.com/rs/zerolog"
)

// Defaults for Options.
const (
	DefaultBinary    = "/sbin/zfs"
	DefaultPV        = "pv"
	DefaultPruneKeep = 10
)

// Options configures how an inventory talks to zfs.
type Options struct {
	// Host runs zfs on another machine over ssh. Empty means local.
	Host string
	// SSH is the ssh client used for remote hosts.
	SSH string
	// Binary is the zfs executable.
	Binary string
	// PV is the pipe viewer used to report transfer progress.
	PV string
	// Builder constructs local commands. Usually the sudo keeper.
	Builder command.Builder
	// Keep is the number of recent snapshots pruning never touches.
	Keep int

	Logger  zerolog.Logger
	Out     io.Writer
	Metrics *metrics.PrometheusMetrics
	Mounts  mounts.Table
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	if o.PV == "" {
		o.PV = DefaultPV
	}
	if o.Builder == nil {
		o.Builder = command.Local{}
	}
	if o.Keep <= 0 {
		o.Keep = DefaultPruneKeep
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	return o
}

// Filesystem is one volume and its snapshots, oldest first.
type Filesystem struct {
	Name      string   `yaml:"name"`
	Snapshots []string `yaml:"snaps"`
	Mount     string   `yaml:"mount"`
}

// Zfs is an inventory of the volumes on one host.
type Zfs struct {
	// Prefix selects which snapshots this inventory numbers and prunes.
	Prefix      string
	Filesystems []Filesystem

	snapRE *regexp.Regexp
	opts   Options
	logger zerolog.Logger
}

// New lists every volume and snapshot on the configured host.
func New(ctx context.Context, prefix string, opts Options) (*Zfs, error) {
	z := newZfs(prefix, opts)

	// Volumes come out in tree order and snapshots in creation order.
	out, err := command.Output(z.command(ctx, "list", "-H", "-t", "all", "-o", "name,mountpoint"))
	if err != nil {
		return nil, fmt.Errorf("list zfs volumes: %w", err)
	}
	fss, err := ParseListing(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	z.Filesystems = fss

	z.logger.Debug().Int("filesystems", len(fss)).Msg("loaded zfs inventory")
	return z, nil
}

// FromListing builds an inventory from raw "zfs list" output.
func FromListing(prefix string, r io.Reader, opts Options) (*Zfs, error) {
	fss, err := ParseListing(r)
	if err != nil {
		return nil, err
	}
	z := newZfs(prefix, opts)
	z.Filesystems = fss
	return z, nil
}

func newZfs(prefix string, opts Options) *Zfs {
	opts = opts.withDefaults()
	logger := opts.Logger.With().Str("component", "zfs").Logger()
	if opts.Host != "" {
		logger = logger.With().Str("host", opts.Host).Logger()
	}
	return &Zfs{
		Prefix: prefix,
		snapRE: regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d{4})-([-\d]+)$`),
		opts:   opts,
		logger: logger,
	}
}

// ParseListing parses "zfs list -H -o name,mountpoint" output. Snapshot
// lines must directly follow their own volume (or earlier snapshots of it).
func ParseListing(r io.Reader) ([]Filesystem, error) {
	var fss []Filesystem
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, &ParseError{Line: line, Reason: "expected two tab-separated fields"}
		}

		vol, snap, isSnap := strings.Cut(fields[0], "@")
		if !isSnap {
			fss = append(fss, Filesystem{Name: vol, Mount: fields[1]})
			continue
		}

		if len(fss) == 0 {
			return nil, &ParseError{Line: line, Reason: "snapshot before any volume"}
		}
		last := &fss[len(fss)-1]
		if last.Name != vol {
			return nil, &ParseError{Line: line, Reason: fmt.Sprintf("snapshot does not belong to preceding volume %q", last.Name)}
		}
		last.Snapshots = append(last.Snapshots, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read zfs listing: %w", err)
	}
	return fss, nil
}

// Host returns the remote host, or "" for a local inventory.
func (z *Zfs) Host() string {
	return z.opts.Host
}

// Filtered returns the volumes named under or nested beneath it, in
// inventory order.
func (z *Zfs) Filtered(under string) []Filesystem {
	var result []Filesystem
	for _, fs := range z.Filesystems {
		if fs.Name == under || strings.HasPrefix(fs.Name, under+"/") {
			result = append(result, fs)
		}
	}
	return result
}

// Find returns the named volume.
func (z *Zfs) Find(name string) (Filesystem, bool) {
	for _, fs := range z.Filesystems {
		if fs.Name == name {
			return fs, true
		}
	}
	return Filesystem{}, false
}

// SnapNumber returns the index encoded in a snapshot name that matches
// this inventory's prefix.
func (z *Zfs) SnapNumber(snap string) (int, bool) {
	m := z.snapRE.FindStringSubmatch(snap)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextUnder returns the next free snapshot index across under and every
// volume beneath it.
func (z *Zfs) NextUnder(under string) int {
	next := 0
	for _, fs := range z.Filtered(under) {
		for _, snap := range fs.Snapshots {
			if n, ok := z.SnapNumber(snap); ok && n+1 > next {
				next = n + 1
			}
		}
	}
	return next
}

// SnapName formats a snapshot name for index taken at now.
func (z *Zfs) SnapName(index int, now time.Time) string {
	return fmt.Sprintf("%s%04d-%s", z.Prefix, index, now.Format("200601021504"))
}

// TakeSnapshot recursively snapshots fs with the name for index.
func (z *Zfs) TakeSnapshot(ctx context.Context, fs string, index int, now time.Time) (string, error) {
	if z.opts.Host != "" {
		return "", ErrRemoteSnapshot
	}
	name := fs + "@" + z.SnapName(index, now)
	fmt.Fprintf(z.opts.Out, "Make snapshot: %s\n", name)
	if err := command.Run(z.command(ctx, "snapshot", "-r", name)); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", name, err)
	}
	return name, nil
}

// FindMount returns where the named volume is mounted according to the
// system mount table.
func (z *Zfs) FindMount(ctx context.Context, name string) (string, error) {
	return mounts.FindDevice(ctx, z.opts.Mounts, name, "zfs")
}

// command builds a zfs invocation on this inventory's host.
func (z *Zfs) command(ctx context.Context, args ...string) *exec.Cmd {
	var cmd *exec.Cmd
	if z.opts.Host == "" {
		cmd = z.opts.Builder.Command(ctx, z.opts.Binary, args...)
	} else {
		cmd = command.Remote{Host: z.opts.Host, SSH: z.opts.SSH}.Command(ctx, z.opts.Binary, args...)
	}
	cmd.Stderr = os.Stderr
	return cmd
}
