package main

import (
	"flag"
	"os"

	"github.com/caseforge/caseforge/internal/platform/config"
	"github.com/caseforge/caseforge/internal/tools/recordid"
)

func main() {
	cfg, err := recordid.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := recordid.Run(cfg, os.Stdout); err != nil {
		config.Exitf("generate id: %v", err)
	}
}
