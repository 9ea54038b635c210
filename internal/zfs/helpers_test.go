package zfs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeTools is a set of stand-in zfs, pv and ssh scripts that log every
// invocation to a shared file.
type fakeTools struct {
	dir      string
	zfs      string
	pv       string
	ssh      string
	log      string
	recv     string
	listFile string
	props    string
}

type fakeConfig struct {
	listing  string
	props    string
	estimate string
	// fail names zfs subcommands that complain on stderr and exit 1
	// after draining stdin.
	fail []string
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
}

func newFakeTools(t *testing.T, cfg fakeConfig) *fakeTools {
	t.Helper()
	dir := t.TempDir()
	f := &fakeTools{
		dir:      dir,
		zfs:      filepath.Join(dir, "zfs"),
		pv:       filepath.Join(dir, "pv"),
		ssh:      filepath.Join(dir, "ssh"),
		log:      filepath.Join(dir, "calls.log"),
		recv:     filepath.Join(dir, "received"),
		listFile: filepath.Join(dir, "listing"),
		props:    filepath.Join(dir, "props"),
	}
	estimate := cfg.estimate
	if estimate == "" {
		estimate = "incremental\tfrom\tto\nsize\t2048\n"
	}
	require.NoError(t, os.WriteFile(f.listFile, []byte(cfg.listing), 0644))
	require.NoError(t, os.WriteFile(f.props, []byte(cfg.props), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "estimate"), []byte(estimate), 0644))

	var zfs strings.Builder
	zfs.WriteString(`echo "zfs $*" >> '` + f.log + "'\n")
	if len(cfg.fail) > 0 {
		zfs.WriteString(`case "$1" in ` + strings.Join(cfg.fail, "|") + `)
	cat > /dev/null
	echo "cannot $1: injected failure" >&2
	exit 1 ;;
esac
`)
	}
	zfs.WriteString(`case "$1" in
list) cat '` + f.listFile + `' ;;
get) cat '` + f.props + `' ;;
send)
	if [ "$2" = "-nP" ]; then cat '` + filepath.Join(dir, "estimate") + `'; exit 0; fi
	echo "stream $*" ;;
receive) cat >> '` + f.recv + `' ;;
esac
exit 0
`)
	writeScript(t, f.zfs, zfs.String())
	writeScript(t, f.pv, `echo "pv $*" >> '`+f.log+`'`+"\ncat\n")
	writeScript(t, f.ssh, `echo "ssh $1 $2" >> '`+f.log+`'`+"\nshift 2\nexec \"$@\"\n")
	return f
}

func (f *fakeTools) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func (f *fakeTools) received(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.recv)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func (f *fakeTools) options(out *bytes.Buffer) Options {
	return Options{
		Binary: f.zfs,
		PV:     f.pv,
		SSH:    f.ssh,
		Logger: zerolog.Nop(),
		Out:    out,
	}
}

// listing joins name/mountpoint pairs into zfs list output.
func listing(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}
