package recordid

import (
	"flag"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("record-id", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Count != 1 {
		t.Fatalf("expected default count 1, got %d", cfg.Count)
	}
}

func TestRunWritesOnePerLine(t *testing.T) {
	var out strings.Builder
	if err := Run(Config{Count: 3}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(lines))
	}
	seen := make(map[string]bool)
	for _, line := range lines {
		if len(line) != 26 {
			t.Fatalf("expected 26-character id, got %q", line)
		}
		if seen[line] {
			t.Fatalf("duplicate id %q", line)
		}
		seen[line] = true
	}
}

func TestRunRejectsInvalidInputs(t *testing.T) {
	if err := Run(Config{Count: 0}, &strings.Builder{}); err == nil {
		t.Fatal("expected error for zero count")
	}
	if err := Run(Config{Count: 1}, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}
