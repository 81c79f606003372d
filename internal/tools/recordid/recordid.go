// Package recordid generates record identifiers for seeding and scripts.
package recordid

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/caseforge/caseforge/internal/id"
)

// Config holds configuration for identifier generation.
type Config struct {
	Count int
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Count: 1}
	fs.IntVar(&cfg.Count, "count", cfg.Count, "number of identifiers to generate (default: 1)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the identifiers and writes them to out, one per line.
func Run(cfg Config, out io.Writer) error {
	if cfg.Count <= 0 {
		return errors.New("count must be greater than zero")
	}
	if out == nil {
		return errors.New("output is required")
	}

	for i := 0; i < cfg.Count; i++ {
		generated, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		if _, err := fmt.Fprintln(out, generated); err != nil {
			return err
		}
	}
	return nil
}
