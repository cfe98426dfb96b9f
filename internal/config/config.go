// Package config resolves podcache's runtime settings from
// environment variables. It deliberately stays on the standard
// library: no shared config-loading library recurs across the
// reference stack for plain env-var-with-bounds-checking parsing, so
// there is nothing idiomatic to reach for beyond os.Getenv and
// strconv. The CLI layer (cmd/podcache-server) is where cobra/viper
// wiring lives; this package is the validated settings it produces.
package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	DefaultPort       = 6379
	DefaultSizeMiB    = 100
	DefaultPartitions = 1
	DefaultFSRoot     = "./"

	minPort       = 1024
	maxPort       = 65535
	minSizeMiB    = 1
	maxSizeMiB    = 4096
	minPartitions = 1
	maxPartitions = 64
)

// Config is the fully validated set of knobs a podcache server boots
// with (spec §6.1).
type Config struct {
	Port       int
	SizeMiB    int
	Partitions int
	FSRoot     string
}

// ByteCapacity returns the configured size expressed in bytes.
func (c Config) ByteCapacity() int64 {
	return int64(c.SizeMiB) * 1024 * 1024
}

// FromEnv reads PODCACHE_SERVER_PORT, PODCACHE_SIZE, PODCACHE_PARTITIONS
// and PODCACHE_FSROOT, applying spec defaults for unset variables and
// rejecting out-of-range values.
func FromEnv() (Config, error) {
	port, err := intFromEnv("PODCACHE_SERVER_PORT", DefaultPort, minPort, maxPort)
	if err != nil {
		return Config{}, err
	}
	sizeMiB, err := intFromEnv("PODCACHE_SIZE", DefaultSizeMiB, minSizeMiB, maxSizeMiB)
	if err != nil {
		return Config{}, err
	}
	partitions, err := intFromEnv("PODCACHE_PARTITIONS", DefaultPartitions, minPartitions, maxPartitions)
	if err != nil {
		return Config{}, err
	}

	fsRoot := os.Getenv("PODCACHE_FSROOT")
	if fsRoot == "" {
		fsRoot = DefaultFSRoot
	}

	return Config{
		Port:       port,
		SizeMiB:    sizeMiB,
		Partitions: partitions,
		FSRoot:     fsRoot,
	}, nil
}

func intFromEnv(name string, def, min, max int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", name, raw)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("config: %s=%d out of range [%d, %d]", name, val, min, max)
	}
	return val, nil
}
