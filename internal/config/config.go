// Package config loads the snapdump configuration file and turns it into
// backup runners and scheduled jobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/MacJediWizard/snapdump/internal/schedule"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding setting is empty.
const (
	DefaultStamp    = "snapstamp"
	DefaultPrefix   = "snap"
	DefaultLogLevel = "info"
)

// Action names accepted in an entry's actions list.
const (
	ActionStamp    = "stamp"
	ActionSnapshot = "snapshot"
	ActionMount    = "mount"
	ActionRsure    = "rsure"
	ActionBorg     = "borg"
	ActionRsync    = "rsync"
	ActionZFS      = "zfs"
)

// Job kinds accepted in a schedule.
const (
	JobBackup   = "backup"
	JobSnapshot = "snapshot"
	JobClone    = "clone"
	JobPrune    = "prune"
)

// ConfigError describes an invalid or inconsistent configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DefaultConfigDir returns the default config directory (~/.snapdump).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".snapdump"), nil
}

// DefaultConfigPath returns the default config file path (~/.snapdump/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// File is the whole configuration file.
type File struct {
	Config    Settings   `yaml:"config"`
	Simple    []Simple   `yaml:"simple,omitempty"`
	LVM       []LVM      `yaml:"lvm,omitempty"`
	ZFS       ZFS        `yaml:"zfs,omitempty"`
	Schedules []Schedule `yaml:"schedules,omitempty"`
}

// Settings holds tool locations and process-wide options.
type Settings struct {
	// Borg is the wrapper script that runs borg with the right repository.
	Borg         string `yaml:"borg,omitempty"`
	Rsure        string `yaml:"rsure,omitempty"`
	Rsync        string `yaml:"rsync,omitempty"`
	ZFS          string `yaml:"zfs,omitempty"`
	PV           string `yaml:"pv,omitempty"`
	Sudo         *bool  `yaml:"sudo,omitempty"`
	Stamp        string `yaml:"stamp,omitempty"`
	SnapshotSize string `yaml:"snapshot_size,omitempty"`

	MetricsFile   string `yaml:"metrics_file,omitempty"`
	MetricsListen string `yaml:"metrics_listen,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
}

// UseSudo reports whether commands should be elevated. Defaults to true.
func (s Settings) UseSudo() bool {
	return s.Sudo == nil || *s.Sudo
}

// StampName returns the marker file name written into each mount.
func (s Settings) StampName() string {
	if s.Stamp == "" {
		return DefaultStamp
	}
	return s.Stamp
}

// Level returns the configured log level.
func (s Settings) Level() (zerolog.Level, error) {
	if s.LogLevel == "" {
		return zerolog.ParseLevel(DefaultLogLevel)
	}
	return zerolog.ParseLevel(s.LogLevel)
}

// Simple is a volume backed up directly from its live mount.
type Simple struct {
	Name    string   `yaml:"name"`
	Mount   string   `yaml:"mount"`
	Actions []string `yaml:"actions,omitempty"`
}

// LVM is a logical volume backed up from a temporary snapshot.
type LVM struct {
	Name  string `yaml:"name"`
	Mount string `yaml:"mount"`
	// Snap is where the snapshot is mounted while the backup runs.
	Snap    string   `yaml:"snap"`
	VG      string   `yaml:"vg"`
	LV      string   `yaml:"lv"`
	LVSnap  string   `yaml:"lv_snap"`
	FS      string   `yaml:"fs,omitempty"`
	Mirror  *Mirror  `yaml:"mirror,omitempty"`
	Actions []string `yaml:"actions,omitempty"`
}

// Mirror copies a mounted LVM snapshot onto a zfs volume with rsync and
// then snapshots that volume, so the zfs side keeps the history.
type Mirror struct {
	Volume string `yaml:"volume"`
	// Dir is where Volume is mounted.
	Dir     string `yaml:"dir"`
	ACLs    bool   `yaml:"acls,omitempty"`
	Verbose bool   `yaml:"verbose,omitempty"`
}

// ZFS configures snapshotting, replication and pruning of zfs volumes.
type ZFS struct {
	Prefix    string        `yaml:"prefix,omitempty"`
	Keep      int           `yaml:"keep,omitempty"`
	Snapshots []ZFSSnapshot `yaml:"snapshots,omitempty"`
	Clones    []Clone       `yaml:"clones,omitempty"`
	Prune     []Prune       `yaml:"prune,omitempty"`
}

// SnapPrefix returns the snapshot name prefix.
func (z ZFS) SnapPrefix() string {
	if z.Prefix == "" {
		return DefaultPrefix
	}
	return z.Prefix
}

// ZFSSnapshot is a volume that receives a numbered recursive snapshot.
type ZFSSnapshot struct {
	Volume string `yaml:"volume"`
}

// Clone replicates a volume tree, possibly between hosts.
type Clone struct {
	Name     string   `yaml:"name"`
	Source   string   `yaml:"source"`
	Dest     string   `yaml:"dest"`
	Host     string   `yaml:"host,omitempty"`
	DestHost string   `yaml:"dest_host,omitempty"`
	Exclude  []string `yaml:"exclude,omitempty"`
}

// Prune is a volume whose numbered snapshots are thinned.
type Prune struct {
	Volume string `yaml:"volume"`
	Host   string `yaml:"host,omitempty"`
}

// Schedule runs a job on a cron expression.
type Schedule struct {
	Name string `yaml:"name"`
	Cron string `yaml:"cron"`
	Job  string `yaml:"job"`
	// Names restricts the job to these backups, clones or volumes.
	Names []string `yaml:"names,omitempty"`
}

// Load reads the configuration from the given path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (f *File) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Example returns a configuration showing every section.
func Example() *File {
	return &File{
		Config: Settings{
			Borg:         "/root/borg.sh",
			Stamp:        DefaultStamp,
			SnapshotSize: "5g",
			LogLevel:     DefaultLogLevel,
		},
		Simple: []Simple{
			{Name: "boot", Mount: "/boot", Actions: []string{ActionStamp, ActionRsure, ActionBorg}},
		},
		LVM: []LVM{
			{
				Name:   "home",
				Mount:  "/home",
				Snap:   "/mnt/snap/home",
				VG:     "vg0",
				LV:     "home",
				LVSnap: "home_snap",
				FS:     "ext4",
				Mirror: &Mirror{Volume: "tank/mirror/home", Dir: "/tank/mirror/home", ACLs: true},
			},
		},
		ZFS: ZFS{
			Prefix:    DefaultPrefix,
			Keep:      10,
			Snapshots: []ZFSSnapshot{{Volume: "tank/home"}},
			Clones:    []Clone{{Name: "offsite", Source: "tank/home", Dest: "backup/home", DestHost: "vault"}},
			Prune:     []Prune{{Volume: "tank/home"}},
		},
		Schedules: []Schedule{
			{Name: "hourly-snapshot", Cron: "0 * * * *", Job: JobSnapshot},
			{Name: "nightly", Cron: "30 2 * * *", Job: JobBackup},
		},
	}
}

var (
	simpleActions = map[string]bool{ActionStamp: true, ActionRsure: true, ActionBorg: true}
	jobKinds      = map[string]bool{JobBackup: true, JobSnapshot: true, JobClone: true, JobPrune: true}
)

var lvmActions = map[string]bool{
	ActionStamp:    true,
	ActionSnapshot: true,
	ActionMount:    true,
	ActionRsure:    true,
	ActionRsync:    true,
	ActionZFS:      true,
	ActionBorg:     true,
}

// Validate checks the configuration for missing and inconsistent values.
func (f *File) Validate() error {
	if _, err := f.Config.Level(); err != nil {
		return configErr("config.log_level", "%v", err)
	}

	backups := map[string]bool{}
	needBorg := false
	for i, s := range f.Simple {
		field := fmt.Sprintf("simple[%d]", i)
		if err := checkName(backups, field, s.Name); err != nil {
			return err
		}
		if s.Mount == "" {
			return configErr(field+".mount", "is required")
		}
		if err := checkActions(field, s.Actions, simpleActions); err != nil {
			return err
		}
		needBorg = needBorg || wants(s.Actions, ActionBorg)
	}

	for i, l := range f.LVM {
		field := fmt.Sprintf("lvm[%d]", i)
		if err := checkName(backups, field, l.Name); err != nil {
			return err
		}
		required := []struct{ name, value string }{
			{"mount", l.Mount}, {"snap", l.Snap}, {"vg", l.VG}, {"lv", l.LV}, {"lv_snap", l.LVSnap},
		}
		for _, r := range required {
			if r.value == "" {
				return configErr(field+"."+r.name, "is required")
			}
		}
		if err := checkActions(field, l.Actions, lvmActions); err != nil {
			return err
		}
		if err := checkMirror(field, l); err != nil {
			return err
		}
		needBorg = needBorg || wants(l.Actions, ActionBorg)
	}

	if needBorg && f.Config.Borg == "" {
		return configErr("config.borg", "is required when a backup runs borg")
	}

	if err := f.validateZFS(); err != nil {
		return err
	}
	return f.validateSchedules(backups)
}

func (f *File) validateZFS() error {
	if f.ZFS.Keep < 0 {
		return configErr("zfs.keep", "must not be negative")
	}
	for i, s := range f.ZFS.Snapshots {
		if s.Volume == "" {
			return configErr(fmt.Sprintf("zfs.snapshots[%d].volume", i), "is required")
		}
	}

	clones := map[string]bool{}
	for i, c := range f.ZFS.Clones {
		field := fmt.Sprintf("zfs.clones[%d]", i)
		if err := checkName(clones, field, c.Name); err != nil {
			return err
		}
		if c.Source == "" {
			return configErr(field+".source", "is required")
		}
		if c.Dest == "" {
			return configErr(field+".dest", "is required")
		}
		if c.Host == c.DestHost && c.Source == c.Dest {
			return configErr(field, "source and destination are the same volume")
		}
		for j, pattern := range c.Exclude {
			if _, err := regexp.Compile(pattern); err != nil {
				return configErr(fmt.Sprintf("%s.exclude[%d]", field, j), "invalid pattern: %v", err)
			}
		}
	}

	for i, p := range f.ZFS.Prune {
		if p.Volume == "" {
			return configErr(fmt.Sprintf("zfs.prune[%d].volume", i), "is required")
		}
	}
	return nil
}

func (f *File) validateSchedules(backups map[string]bool) error {
	seen := map[string]bool{}
	for i, s := range f.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if err := checkName(seen, field, s.Name); err != nil {
			return err
		}
		if _, err := schedule.Parse(s.Cron); err != nil {
			return configErr(field+".cron", "%v", err)
		}
		if !jobKinds[s.Job] {
			return configErr(field+".job", "unknown job %q", s.Job)
		}
		for _, name := range s.Names {
			if !f.knows(s.Job, name, backups) {
				return configErr(field+".names", "no %s named %q", s.Job, name)
			}
		}
	}
	return nil
}

// knows reports whether name refers to something a job of the given kind
// can run on.
func (f *File) knows(job, name string, backups map[string]bool) bool {
	switch job {
	case JobBackup:
		return backups[name]
	case JobClone:
		for _, c := range f.ZFS.Clones {
			if c.Name == name {
				return true
			}
		}
	case JobSnapshot:
		for _, s := range f.ZFS.Snapshots {
			if s.Volume == name {
				return true
			}
		}
	case JobPrune:
		for _, p := range f.ZFS.Prune {
			if p.Volume == name {
				return true
			}
		}
	}
	return false
}

// checkMirror requires a complete mirror block when one is given, and one
// to exist when the actions list asks for rsync or zfs explicitly.
func checkMirror(field string, l LVM) error {
	if l.Mirror == nil {
		for _, a := range l.Actions {
			if a == ActionRsync || a == ActionZFS {
				return configErr(field+".mirror", "is required for action %q", a)
			}
		}
		return nil
	}
	if l.Mirror.Volume == "" {
		return configErr(field+".mirror.volume", "is required")
	}
	if l.Mirror.Dir == "" {
		return configErr(field+".mirror.dir", "is required")
	}
	return nil
}

func checkName(seen map[string]bool, field, name string) error {
	if name == "" {
		return configErr(field+".name", "is required")
	}
	if seen[name] {
		return configErr(field+".name", "duplicate name %q", name)
	}
	seen[name] = true
	return nil
}

func checkActions(field string, list []string, allowed map[string]bool) error {
	for _, a := range list {
		if !allowed[a] {
			return configErr(field+".actions", "unsupported action %q", a)
		}
	}
	return nil
}

// wants reports whether an entry with the given actions list runs action.
// An empty list runs everything.
func wants(list []string, action string) bool {
	if len(list) == 0 {
		return true
	}
	for _, a := range list {
		if a == action {
			return true
		}
	}
	return false
}

// IsConfigError reports whether err is a configuration problem.
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}
