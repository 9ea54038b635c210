package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override settings from the file.
const (
	EnvSudo          = "SNAPDUMP_SUDO"
	EnvKeep          = "SNAPDUMP_KEEP"
	EnvLogLevel      = "SNAPDUMP_LOG_LEVEL"
	EnvMetricsFile   = "SNAPDUMP_METRICS_FILE"
	EnvMetricsListen = "SNAPDUMP_METRICS_LISTEN"
	EnvBorg          = "SNAPDUMP_BORG"
)

// ApplyEnv overrides settings with any SNAPDUMP_* environment variables
// that are set. Invalid values are ignored.
func (f *File) ApplyEnv() {
	sudo := getEnvBool(EnvSudo, f.Config.UseSudo())
	f.Config.Sudo = &sudo

	keep := getEnvInt(EnvKeep, f.ZFS.Keep)
	if keep >= 0 {
		f.ZFS.Keep = keep
	}

	f.Config.LogLevel = getEnvString(EnvLogLevel, f.Config.LogLevel)
	f.Config.MetricsFile = getEnvString(EnvMetricsFile, f.Config.MetricsFile)
	f.Config.MetricsListen = getEnvString(EnvMetricsListen, f.Config.MetricsListen)
	f.Config.Borg = getEnvString(EnvBorg, f.Config.Borg)
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}
