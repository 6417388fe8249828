// Package sadakcfg loads the small set of knobs SADAK's CLI tools need
// (mirror member paths, block count, log level) from the environment into a
// plain typed struct, passed into constructors like any other Params value.
package sadakcfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sadakfs/sadak/internal/sadaklog"
)

// Config holds the parameters a SADAK CLI tool needs to open a mirror and
// mount or format a volume.
type Config struct {
	// MirrorPaths lists the backing files for each mirror member, in
	// construction order.
	MirrorPaths []string
	// TotalBlocks is the logical capacity to format, in blocks. Ignored on
	// mount (the superblock is authoritative there).
	TotalBlocks uint64
	// LogLevel is a logrus level name ("debug", "info", "warn", ...).
	LogLevel string
}

const (
	envMirrorPaths = "SADAK_MIRROR_PATHS"
	envTotalBlocks = "SADAK_TOTAL_BLOCKS"
	envLogLevel    = "SADAK_LOG_LEVEL"

	defaultTotalBlocks = 4096
	defaultLogLevel    = "info"
)

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		TotalBlocks: defaultTotalBlocks,
		LogLevel:    defaultLogLevel,
	}

	if v := os.Getenv(envMirrorPaths); v != "" {
		cfg.MirrorPaths = strings.Split(v, ",")
	}
	if v := os.Getenv(envTotalBlocks); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("sadakcfg: invalid %s=%q: %w", envTotalBlocks, v, err)
		}
		cfg.TotalBlocks = n
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Apply installs the configured log level into the shared logger.
func (c Config) Apply() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("sadakcfg: invalid log level %q: %w", c.LogLevel, err)
	}
	sadaklog.SetLevel(level)
	return nil
}

// Validate checks that enough mirror members were configured to build a
// RAID-1 mirror.
func (c Config) Validate() error {
	if len(c.MirrorPaths) < 2 {
		return fmt.Errorf("sadakcfg: %s must list at least 2 paths, got %d", envMirrorPaths, len(c.MirrorPaths))
	}
	return nil
}
