// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the tracer's option surface and its validation.
package config // import "github.com/qinjuan/dynamorio/config"

import (
	"fmt"
	"math/bits"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultNumEntries is the trace-buffer capacity in entries. It must be
	// big enough to hold all entries between clean calls.
	DefaultNumEntries = 4096

	// DefaultLineSize is the cache-line size assumed by the L0 filter.
	DefaultLineSize = 64

	// DefaultL0Size is the default geometry of each L0 filter cache.
	DefaultL0Size = 32 * 1024
)

// Config is the option surface recognized at process init. Values are
// immutable after Validate except MaxTraceSize, which the OOM continuation
// path clamps (guarded by the tracer, not by this package).
type Config struct {
	// Offline selects per-thread raw files under OutDir; otherwise entries
	// stream to the named pipe IPCName.
	Offline bool
	OutDir  string
	IPCName string

	// UsePhysical translates virtual addresses in data entries at drain.
	UsePhysical bool

	// L0Filter enables the inline direct-mapped cache filter with the
	// geometry below. Line counts must come out as powers of two.
	L0Filter bool
	L0DSize  uint64
	L0ISize  uint64
	LineSize uint64

	// MaxTraceSize caps the bytes emitted per thread; zero is unlimited.
	MaxTraceSize uint64

	// OnlineInstrTypes makes online mode emit distinct instruction-type
	// entries for jumps, calls and returns; plain fetches are still bundled.
	OnlineInstrTypes bool

	// Compress runs offline per-thread files through zstd.
	Compress bool

	// Verbose is the logging verbosity: 0 warnings, 1 info, 2+ debug.
	Verbose int
}

// Default returns a Config with the default buffer and filter geometry.
func Default() *Config {
	return &Config{
		L0DSize:  DefaultL0Size,
		L0ISize:  DefaultL0Size,
		LineSize: DefaultLineSize,
	}
}

// Validate checks option consistency and configures the log level.
func (c *Config) Validate() error {
	if c.Offline && c.OutDir == "" {
		return fmt.Errorf("outdir is required for offline tracing")
	}
	if !c.Offline && c.IPCName == "" {
		return fmt.Errorf("ipc name is required for online tracing")
	}
	if c.L0Filter {
		if c.LineSize == 0 || bits.OnesCount64(c.LineSize) != 1 {
			return fmt.Errorf("line size %d is not a power of two", c.LineSize)
		}
		for _, sz := range []uint64{c.L0DSize, c.L0ISize} {
			if sz < c.LineSize || bits.OnesCount64(sz/c.LineSize) != 1 {
				return fmt.Errorf("L0 size %d does not give a power-of-two line count", sz)
			}
		}
	}

	switch {
	case c.Verbose <= 0:
		log.SetLevel(log.WarnLevel)
	case c.Verbose == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// Log2 returns the base-2 logarithm of a power-of-two value.
func Log2(v uint64) int { return bits.TrailingZeros64(v) }
