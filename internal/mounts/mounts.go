// Package mounts answers questions about the system mount table.
package mounts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrNotMounted is returned when a device or directory is not mounted.
var ErrNotMounted = errors.New("not mounted")

// Table reads the current mount table.
type Table func(ctx context.Context) ([]disk.PartitionStat, error)

// System reads the live mount table, including pseudo and zfs mounts.
func System(ctx context.Context) ([]disk.PartitionStat, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return parts, nil
}

// FindDevice returns where device is mounted. When fstype is non-empty only
// mounts of that type are considered. The mount table is used rather than
// the storage tool's own idea of the mountpoint, since some volumes (root in
// particular) are mounted at non-standard locations.
func FindDevice(ctx context.Context, table Table, device, fstype string) (string, error) {
	if table == nil {
		table = System
	}
	parts, err := table(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		if fstype != "" && p.Fstype != fstype {
			continue
		}
		if p.Device == device {
			return p.Mountpoint, nil
		}
	}
	return "", fmt.Errorf("%s: %w", device, ErrNotMounted)
}

// IsMountPoint reports whether dir is the root of a mounted filesystem.
func IsMountPoint(ctx context.Context, table Table, dir string) (bool, error) {
	if table == nil {
		table = System
	}
	parts, err := table(ctx)
	if err != nil {
		return false, err
	}
	dir = filepath.Clean(dir)
	for _, p := range parts {
		if filepath.Clean(p.Mountpoint) == dir {
			return true, nil
		}
	}
	return false, nil
}

// Usage holds space figures for a mounted filesystem.
type Usage struct {
	Path  string
	Total uint64
	Free  uint64
	Used  uint64
}

// UsageOf returns space usage for the filesystem containing path.
func UsageOf(ctx context.Context, path string) (Usage, error) {
	st, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Usage{}, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return Usage{Path: st.Path, Total: st.Total, Free: st.Free, Used: st.Used}, nil
}
