// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package config // import "github.com/qinjuan/dynamorio/config"

import (
	"flag"

	"github.com/peterbourgon/ff/v3"
)

// Help strings for the option surface.
var (
	offlineHelp  = "Write per-thread trace files instead of streaming to a named pipe."
	outdirHelp   = "Parent directory for offline trace output."
	ipcNameHelp  = "Named-pipe identifier for online tracing."
	physicalHelp = "Translate virtual addresses in data entries before draining."
	l0FilterHelp = "Enable the inline direct-mapped level-0 cache filter."
	l0dSizeHelp  = "Level-0 data-cache filter size in bytes."
	l0iSizeHelp  = "Level-0 instruction-cache filter size in bytes."
	lineHelp     = "Cache-line size in bytes assumed by the level-0 filter."
	maxSizeHelp  = "Cap on total trace bytes emitted per thread; 0 is unlimited."
	instrTyHelp  = "Emit distinct instruction-type entries in online mode."
	compressHelp = "Compress offline per-thread files with zstd."
	verboseHelp  = "Logging verbosity (0 warnings, 1 info, 2+ debug)."
)

// ParseArgs fills a Config from argv, with DRMEMTRACE_* environment
// variables as fallback for every flag.
func ParseArgs(name string, argv []string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.BoolVar(&cfg.Compress, "compress", false, compressHelp)

	fs.StringVar(&cfg.IPCName, "ipc-name", "", ipcNameHelp)

	fs.BoolVar(&cfg.L0Filter, "l0-filter", false, l0FilterHelp)
	fs.Uint64Var(&cfg.L0DSize, "l0d-size", DefaultL0Size, l0dSizeHelp)
	fs.Uint64Var(&cfg.L0ISize, "l0i-size", DefaultL0Size, l0iSizeHelp)
	fs.Uint64Var(&cfg.LineSize, "line-size", DefaultLineSize, lineHelp)

	fs.Uint64Var(&cfg.MaxTraceSize, "max-trace-size", 0, maxSizeHelp)

	fs.BoolVar(&cfg.Offline, "offline", false, offlineHelp)
	fs.BoolVar(&cfg.OnlineInstrTypes, "online-instr-types", false, instrTyHelp)
	fs.StringVar(&cfg.OutDir, "outdir", "", outdirHelp)

	fs.BoolVar(&cfg.UsePhysical, "use-physical", false, physicalHelp)

	fs.IntVar(&cfg.Verbose, "verbose", 0, verboseHelp)

	if err := ff.Parse(fs, argv, ff.WithEnvVarPrefix("DRMEMTRACE")); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
