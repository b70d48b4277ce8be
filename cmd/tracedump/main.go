// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// tracedump decodes an offline per-thread raw trace file and prints one
// line per record. It understands the zstd-compressed files produced with
// -compress.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/qinjuan/dynamorio/instru"
)

var typeNames = map[instru.Type]string{
	instru.TypeRead:                 "read",
	instru.TypeWrite:                "write",
	instru.TypePrefetch:             "prefetch",
	instru.TypeInstr:                "instr",
	instru.TypeInstrDirectJump:      "instr:jmp",
	instru.TypeInstrIndirectJump:    "instr:jmp-ind",
	instru.TypeInstrConditionalJump: "instr:jcc",
	instru.TypeInstrDirectCall:      "instr:call",
	instru.TypeInstrIndirectCall:    "instr:call-ind",
	instru.TypeInstrReturn:          "instr:ret",
	instru.TypeInstrBundle:          "instr-bundle",
	instru.TypeInstrFlush:           "iflush",
	instru.TypeThread:               "thread",
	instru.TypeThreadExit:           "thread-exit",
	instru.TypePid:                  "pid",
	instru.TypeHeader:               "header",
	instru.TypeFooter:               "footer",
}

func dump(r io.Reader, w io.Writer) error {
	entry := make([]byte, instru.EntrySize)
	for i := 0; ; i++ {
		if _, err := io.ReadFull(r, entry); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return fmt.Errorf("truncated record %d", i)
			}
			return err
		}
		typ := instru.EntryType(entry)
		name, ok := typeNames[typ]
		if !ok {
			name = fmt.Sprintf("unknown(%d)", typ)
		}
		fmt.Fprintf(w, "%8d: %-14s size=%-4d addr=%#x\n",
			i, name, instru.EntryLen(entry), instru.EntryAddr(entry))
	}
}

func main() {
	fs := flag.NewFlagSet("tracedump", flag.ExitOnError)
	input := fs.String("input", "", "Per-thread raw trace file to decode.")
	verbose := fs.Bool("verbose", false, "Enable debug logging.")
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("TRACEDUMP")); err != nil {
		log.Fatalf("Usage error: %v", err)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *input == "" {
		log.Fatalf("Usage error: -input is required")
	}

	f, err := os.Open(*input)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *input, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(*input, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			log.Fatalf("Failed to open zstd stream: %v", err)
		}
		defer dec.Close()
		r = dec
	}

	if err := dump(r, os.Stdout); err != nil {
		log.Fatalf("Failed to decode %s: %v", *input, err)
	}
}
