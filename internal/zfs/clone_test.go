package zfs

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/snapdump/internal/command"
	"github.com/MacJediWizard/snapdump/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanFilesystem(t *testing.T) {
	src := Filesystem{Name: "pool/home", Snapshots: []string{"s1", "s2", "s3"}}

	tests := []struct {
		name    string
		src     Filesystem
		dest    *Filesystem
		want    Plan
		wantErr error
	}{
		{
			name: "fresh destination gets full then incremental",
			src:  src,
			want: Plan{Source: "pool/home", Dest: "backup/home", Create: true, Transfers: []Transfer{
				{To: "s1"},
				{From: "s1", To: "s3"},
			}},
		},
		{
			name: "fresh destination with one snapshot",
			src:  Filesystem{Name: "pool/home", Snapshots: []string{"only"}},
			want: Plan{Source: "pool/home", Dest: "backup/home", Create: true, Transfers: []Transfer{{To: "only"}}},
		},
		{
			name:    "fresh destination without source snapshots",
			src:     Filesystem{Name: "pool/home"},
			wantErr: ErrNoSnapshots,
		},
		{
			name: "existing destination behind",
			src:  src,
			dest: &Filesystem{Name: "backup/home", Snapshots: []string{"s1"}},
			want: Plan{Source: "pool/home", Dest: "backup/home", Transfers: []Transfer{{From: "s1", To: "s3"}}},
		},
		{
			name: "existing destination up to date",
			src:  src,
			dest: &Filesystem{Name: "backup/home", Snapshots: []string{"s1", "s2", "s3"}},
			want: Plan{Source: "pool/home", Dest: "backup/home"},
		},
		{
			name:    "existing destination diverged",
			src:     src,
			dest:    &Filesystem{Name: "backup/home", Snapshots: []string{"s1", "other"}},
			wantErr: ErrDivergedHistory,
		},
		{
			name:    "existing destination without snapshots",
			src:     src,
			dest:    &Filesystem{Name: "backup/home"},
			wantErr: ErrEmptyDestination,
		},
		{
			name:    "existing destination and empty source",
			src:     Filesystem{Name: "pool/home"},
			dest:    &Filesystem{Name: "backup/home", Snapshots: []string{"s1"}},
			wantErr: ErrDivergedHistory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := planFilesystem(tt.src, tt.dest, "backup/home")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want.Transfers) == 0, got.UpToDate())
		})
	}
}

func TestTransferKind(t *testing.T) {
	assert.Equal(t, "full", Transfer{To: "a"}.Kind())
	assert.Equal(t, "incremental", Transfer{From: "a", To: "b"}.Kind())
	assert.Equal(t, []string{"send", "pool@a"}, sendArgs("pool", Transfer{To: "a"}))
	assert.Equal(t, []string{"send", "-nP", "-I", "@a", "pool@b"}, sendArgs("pool", Transfer{From: "a", To: "b"}, "-nP"))
}

func TestParseEstimate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "full", input: "full\tpool@a\t1000\nsize\t1000\n", want: 1000},
		{name: "incremental", input: "incremental\ta\tpool@b\t4096\nsize\t4096\n", want: 4096},
		{name: "no size line", input: "full\tpool@a\t1\n", want: 0},
		{name: "empty", input: "", want: 0},
		{name: "short line", input: "garbage\n", wantErr: true},
		{name: "not a number", input: "size\tlots\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEstimate([]byte(tt.input))
			if tt.wantErr {
				var perr *ParseError
				assert.True(t, errors.As(err, &perr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExclusions(t *testing.T) {
	ex, err := NewExclusions([]string{`/tmp$`, `^pool/cache`})
	require.NoError(t, err)
	assert.True(t, ex.Excluded("pool/home/tmp"))
	assert.True(t, ex.Excluded("pool/cache/x"))
	assert.False(t, ex.Excluded("pool/home/tmpfiles"))

	_, err = NewExclusions([]string{"("})
	assert.Error(t, err)
}

var (
	cloneSource = []string{
		"pool/home\t/home",
		"pool/home@snap0000-202401010000\t-",
		"pool/home@snap0001-202401020000\t-",
		"pool/home@snap0002-202401030000\t-",
		"pool/home/alice\t/home/alice",
		"pool/home/alice@snap0000-202401010000\t-",
		"pool/home/alice@snap0001-202401020000\t-",
		"pool/home/alice@snap0002-202401030000\t-",
	}
	cloneDest = []string{
		"backup\t/backup",
		"backup/home\t/backup/home",
		"backup/home@snap0000-202401010000\t-",
		"backup/home@snap0001-202401020000\t-",
	}
	aliceProps = strings.Join([]string{
		"pool/home/alice\tcompression\tlz4\tlocal",
		"pool/home/alice\tmountpoint\t/home/alice\tlocal",
		"pool/home/alice\tatime\toff\treceived",
		"pool/home/alice\tacltype\tposix\tinherited from pool",
		"pool/home/alice\tused\t1234\t-",
	}, "\n") + "\n"
)

// cloneFixture builds source and destination inventories backed by the
// fake tools.
func cloneFixture(t *testing.T, f *fakeTools, out *bytes.Buffer, destHost string) (*Zfs, *Zfs) {
	t.Helper()
	src, err := FromListing("snap", strings.NewReader(listing(cloneSource...)), f.options(out))
	require.NoError(t, err)
	destOpts := f.options(out)
	destOpts.Host = destHost
	dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), destOpts)
	require.NoError(t, err)
	return src, dest
}

func TestClone_DryRun(t *testing.T) {
	f := newFakeTools(t, fakeConfig{props: aliceProps})
	var out bytes.Buffer
	src, dest := cloneFixture(t, f, &out, "")

	require.NoError(t, src.Clone(context.Background(), "pool/home", "backup/home", dest, false, nil))

	// Only size estimates are queried.
	assert.Equal(t, []string{
		"zfs send -nP -I @snap0001-202401020000 pool/home@snap0002-202401030000",
		"zfs send -nP pool/home/alice@snap0000-202401010000",
		"zfs send -nP -I @snap0000-202401010000 pool/home/alice@snap0002-202401030000",
	}, f.calls(t))
	assert.Empty(t, f.received(t))

	text := out.String()
	assert.Contains(t, text, `Clone existing: "pool/home" to "backup/home"`)
	assert.Contains(t, text, `Clone fresh: "pool/home/alice" "backup/home"+"/alice"`)
	assert.Contains(t, text, "Full clone from pool/home/alice@snap0000-202401010000 to backup/home/alice")
	assert.Contains(t, text, "Estimate: 2.0 KiB")
	assert.Contains(t, text, "Clone from:\nname: pool/home/alice\n")
	assert.Contains(t, text, "Clone to:\nname: backup/home/alice\n")
}

func TestClone_Perform(t *testing.T) {
	f := newFakeTools(t, fakeConfig{props: aliceProps})
	var out bytes.Buffer
	src, dest := cloneFixture(t, f, &out, "")

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheusMetrics(reg)
	require.NoError(t, err)
	src.opts.Metrics = m

	require.NoError(t, src.Clone(context.Background(), "pool/home", "backup/home", dest, true, nil))

	calls := f.calls(t)
	for _, want := range []string{
		"zfs send -I @snap0001-202401020000 pool/home@snap0002-202401030000",
		"zfs receive -vF -x mountpoint backup/home",
		"zfs get -Hp all pool/home/alice",
		"zfs create -o compression=lz4 -o atime=off backup/home/alice",
		"zfs send pool/home/alice@snap0000-202401010000",
		"zfs send -I @snap0000-202401010000 pool/home/alice@snap0002-202401030000",
		"zfs receive -vF -x mountpoint backup/home/alice",
		"pv -s 2048",
	} {
		assert.Contains(t, calls, want)
	}

	// The volume is created before anything is sent into it.
	assert.Less(t, indexOf(calls, "zfs create -o compression=lz4 -o atime=off backup/home/alice"),
		indexOf(calls, "zfs send pool/home/alice@snap0000-202401010000"))

	received := f.received(t)
	assert.Equal(t, 3, strings.Count(received, "stream send"))
	assert.NotContains(t, out.String(), "Clone from:")

	assert.Equal(t, 2.0, testCounter(t, m.TransferCounter, "incremental", metrics.ResultSuccess))
	assert.Equal(t, 1.0, testCounter(t, m.TransferCounter, "full", metrics.ResultSuccess))
}

func TestClone_UpToDate(t *testing.T) {
	f := newFakeTools(t, fakeConfig{})
	var out bytes.Buffer
	src, err := FromListing("snap", strings.NewReader(listing(cloneSource[:3]...)), f.options(&out))
	require.NoError(t, err)
	dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), f.options(&out))
	require.NoError(t, err)

	require.NoError(t, src.Clone(context.Background(), "pool/home", "backup/home", dest, true, nil))
	assert.Empty(t, f.calls(t))
	assert.Contains(t, out.String(), "Destination is up to date")
}

func TestClone_SkipsExcludedAndBookmarks(t *testing.T) {
	f := newFakeTools(t, fakeConfig{})
	var out bytes.Buffer
	src, err := FromListing("snap", strings.NewReader(listing(
		"pool/home\t/home",
		"pool/home@snap0001-202401020000\t-",
		"pool/home#snap0000-202401010000\t-",
		"pool/home/tmp\t/home/tmp",
		"pool/home/tmp@snap0001-202401020000\t-",
	)), f.options(&out))
	require.NoError(t, err)
	dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), f.options(&out))
	require.NoError(t, err)

	require.NoError(t, src.Clone(context.Background(), "pool/home", "backup/home", dest, true, []string{`/tmp$`}))
	assert.Empty(t, f.calls(t))
}

func TestClone_FirstErrorAbortsBatch(t *testing.T) {
	f := newFakeTools(t, fakeConfig{})
	var out bytes.Buffer
	src, err := FromListing("snap", strings.NewReader(listing(
		"pool/home\t/home",
		"pool/home@snap0005-202401050000\t-",
		"pool/home/alice\t/home/alice",
		"pool/home/alice@snap0005-202401050000\t-",
	)), f.options(&out))
	require.NoError(t, err)
	dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), f.options(&out))
	require.NoError(t, err)

	err = src.Clone(context.Background(), "pool/home", "backup/home", dest, true, nil)
	assert.ErrorIs(t, err, ErrDivergedHistory)
	assert.Empty(t, f.calls(t), "alice is never attempted")
}

func TestClone_StageFailures(t *testing.T) {
	tests := []struct {
		name  string
		fail  []string
		stage string
	}{
		{name: "send", fail: []string{"send"}, stage: StageSend},
		{name: "receive", fail: []string{"receive"}, stage: StageReceive},
		// A real receive also fails on the stream a failed send truncated.
		{name: "send and receive", fail: []string{"send", "receive"}, stage: StageSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTools(t, fakeConfig{fail: tt.fail})
			var out bytes.Buffer
			src, err := FromListing("snap", strings.NewReader(listing(cloneSource[:4]...)), f.options(&out))
			require.NoError(t, err)
			dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), f.options(&out))
			require.NoError(t, err)

			err = src.Clone(context.Background(), "pool/home", "backup/home", dest, true, nil)
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr), "got %v", err)
			assert.Equal(t, tt.stage, stageErr.Stage)

			var exitErr *command.ExitError
			require.True(t, errors.As(err, &exitErr))
			assert.Equal(t, 1, exitErr.Status)
		})
	}
}

func TestClone_BlamesEarliestStageWhenSeveralFail(t *testing.T) {
	f := newFakeTools(t, fakeConfig{fail: []string{"send", "receive"}})
	var out bytes.Buffer
	src, err := FromListing("snap", strings.NewReader(listing(cloneSource[:4]...)), f.options(&out))
	require.NoError(t, err)
	dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), f.options(&out))
	require.NoError(t, err)

	// Which waiter sees its stage exit first varies from run to run.
	for i := 0; i < 25; i++ {
		err := src.transfer(context.Background(), "pool/home", dest, "backup/home",
			Transfer{From: "snap0001-202401020000", To: "snap0002-202401030000"}, 0)
		var stageErr *StageError
		require.True(t, errors.As(err, &stageErr), "run %d: got %v", i, err)
		require.Equal(t, StageSend, stageErr.Stage, "run %d", i)
	}
}

func TestFirstFailure(t *testing.T) {
	ctx := context.Background()
	exited := exec.CommandContext(ctx, "/bin/sh", "-c", "exit 1")
	require.Error(t, exited.Run())
	killed := exec.CommandContext(ctx, "/bin/sh", "-c", "kill -TERM $$")
	require.Error(t, killed.Run())
	ok := exec.CommandContext(ctx, "/bin/sh", "-c", "exit 0")
	require.NoError(t, ok.Run())

	assert.False(t, killedBySignal(exited.ProcessState))
	assert.True(t, killedBySignal(killed.ProcessState))
	assert.False(t, killedBySignal(nil))

	errExit := errors.New("exit 1")
	errKill := errors.New("terminated")
	stages := []stage{
		{name: StageSend, cmd: killed},
		{name: StageMonitor, cmd: ok},
		{name: StageReceive, cmd: exited},
	}

	tests := []struct {
		name    string
		errs    []error
		stopped bool
		want    string
	}{
		{name: "signal after stop is a casualty", errs: []error{errKill, nil, errExit}, stopped: true, want: StageReceive},
		{name: "signal without stop is a cause", errs: []error{errKill, nil, errExit}, want: StageSend},
		{name: "only casualties", errs: []error{errKill, nil, nil}, stopped: true, want: StageSend},
		{name: "no failures", errs: []error{nil, nil, nil}, stopped: false, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := firstFailure(stages, tt.errs, tt.stopped)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, tt.want, stageErr.Stage)
		})
	}
}

func TestStopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", "trap 'exit 7' TERM; sleep 5 & wait")
	stopOnCancel(cmd)
	require.NoError(t, cmd.Start())
	time.Sleep(100 * time.Millisecond)
	cancel()

	err := command.Wait(cmd)
	var exitErr *command.ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 7, exitErr.Status, "the stage saw SIGTERM and could clean up")
}

func TestEstimateSize_FailureKeepsStderr(t *testing.T) {
	f := newFakeTools(t, fakeConfig{fail: []string{"send"}})
	var out, logs bytes.Buffer
	opts := f.options(&out)
	opts.Logger = zerolog.New(&logs)
	z, err := FromListing("snap", strings.NewReader(listing(cloneSource[:4]...)), opts)
	require.NoError(t, err)

	size := z.estimateSize(context.Background(), "pool/home", Transfer{To: "snap0000-202401010000"})
	assert.Zero(t, size)
	assert.Contains(t, logs.String(), "cannot send: injected failure")
}

func TestClone_MonitorMissing(t *testing.T) {
	f := newFakeTools(t, fakeConfig{})
	var out bytes.Buffer
	src, err := FromListing("snap", strings.NewReader(listing(cloneSource[:4]...)), f.options(&out))
	require.NoError(t, err)
	src.opts.PV = f.dir + "/no-such-pv"
	dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), f.options(&out))
	require.NoError(t, err)

	err = src.Clone(context.Background(), "pool/home", "backup/home", dest, true, nil)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr), "got %v", err)
	assert.Equal(t, StageMonitor, stageErr.Stage)
}

func TestClone_RemoteDestination(t *testing.T) {
	f := newFakeTools(t, fakeConfig{})
	var out bytes.Buffer
	src, err := FromListing("snap", strings.NewReader(listing(cloneSource[:4]...)), f.options(&out))
	require.NoError(t, err)
	destOpts := f.options(&out)
	destOpts.Host = "vault"
	dest, err := FromListing("snap", strings.NewReader(listing(cloneDest...)), destOpts)
	require.NoError(t, err)

	require.NoError(t, src.Clone(context.Background(), "pool/home", "backup/home", dest, true, nil))

	calls := f.calls(t)
	assert.Contains(t, calls, "ssh vault sudo")
	assert.Contains(t, calls, "zfs receive -vF -x mountpoint backup/home")
	assert.Contains(t, f.received(t), "stream send -I @snap0001-202401020000 pool/home@snap0002-202401030000")
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func testCounter(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}
