// Package domain defines the structured records users co-edit: scripts,
// NPCs and clues, each a bag of named fields plus bookkeeping metadata.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names a record type.
type Kind string

const (
	KindScript Kind = "script"
	KindNPC    Kind = "npc"
	KindClue   Kind = "clue"
)

// ErrEmptyID indicates a record without an identifier.
var ErrEmptyID = errors.New("record id is required")

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	switch k {
	case KindScript, KindNPC, KindClue:
		return true
	}
	return false
}

// Record is one editable record. Fields is the merge surface; ID and the
// timestamps are bookkeeping and never merged. Version increments on every
// store update and drives optimistic-concurrency conflict detection.
type Record struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks the record's identity fields.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyID
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// Clone returns a deep copy, so callers can hold a base snapshot while
// editing another.
func (r Record) Clone() Record {
	clone := r
	clone.Fields = copyFields(r.Fields)
	return clone
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return copyFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = copyValue(item)
		}
		return out
	default:
		return value
	}
}
