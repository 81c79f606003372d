// Package merge reconciles three snapshots of one record into a merged
// snapshot plus a change and conflict report. It backs optimistic-concurrency
// saves for editors that fetch and update whole records instead of sharing a
// replicated document.
package merge

import (
	"reflect"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Bookkeeping fields carried by every record but never merged.
var excludedFields = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
}

// Conflict records one field that diverged in both local and remote edits.
type Conflict struct {
	Field       string `json:"field"`
	BaseValue   any    `json:"base_value"`
	LocalValue  any    `json:"local_value"`
	RemoteValue any    `json:"remote_value"`
}

// Result is the outcome of one merge call.
//
// Success is true iff no conflicts were recorded. The remote-wins policy
// still produces a merged snapshot when conflicts exist; callers should
// surface Conflicts to the user even though the merge auto-resolved.
type Result struct {
	Merged           map[string]any `json:"merged"`
	HasRemoteChanges bool           `json:"has_remote_changes"`
	UpdatedFields    []string       `json:"updated_fields"`
	Conflicts        []Conflict     `json:"conflicts"`
	Success          bool           `json:"success"`
}

// Merge reconciles base (last common ancestor), local (unsaved edits) and
// remote (latest server state) snapshots of one record.
//
// Fields are compared as dot-separated flattened leaves. A field changed only
// remotely is adopted; a field changed on both sides to different values is
// recorded as a conflict and resolved remote-wins, so a concurrently
// persisted change is never silently discarded. Fields only changed locally
// are kept as is.
func Merge(base, local, remote map[string]any) Result {
	if remote == nil {
		return Result{
			Merged:        deepCopyMap(local),
			UpdatedFields: []string{},
			Conflicts:     []Conflict{},
			Success:       true,
		}
	}
	if local == nil || base == nil {
		updated := make([]string, 0, len(remote))
		for field := range remote {
			updated = append(updated, field)
		}
		sort.Strings(updated)
		return Result{
			Merged:           deepCopyMap(remote),
			HasRemoteChanges: true,
			UpdatedFields:    updated,
			Conflicts:        []Conflict{},
			Success:          true,
		}
	}

	basePaths := flatten(base)
	localPaths := flatten(local)
	remotePaths := flatten(remote)

	paths := mapset.NewThreadUnsafeSet[string]()
	for path := range basePaths {
		paths.Add(path)
	}
	for path := range localPaths {
		paths.Add(path)
	}
	for path := range remotePaths {
		paths.Add(path)
	}

	merged := deepCopyMap(local)
	updated := []string{}
	conflicts := []Conflict{}

	sorted := paths.ToSlice()
	sort.Strings(sorted)
	for _, path := range sorted {
		baseValue, baseOK := basePaths[path]
		localValue, localOK := localPaths[path]
		remoteValue, remoteOK := remotePaths[path]

		localChanged := baseOK != localOK || !equalValues(baseValue, localValue)
		remoteChanged := baseOK != remoteOK || !equalValues(baseValue, remoteValue)
		if !remoteChanged {
			continue
		}

		if localChanged {
			if localOK == remoteOK && equalValues(localValue, remoteValue) {
				// Both sides made the same edit.
				continue
			}
			conflicts = append(conflicts, Conflict{
				Field:       path,
				BaseValue:   deepCopy(baseValue),
				LocalValue:  deepCopy(localValue),
				RemoteValue: deepCopy(remoteValue),
			})
		}

		if remoteOK {
			setPath(merged, path, deepCopy(remoteValue))
		} else {
			deletePath(merged, path)
		}
		updated = append(updated, path)
	}

	return Result{
		Merged:           merged,
		HasRemoteChanges: len(updated) > 0,
		UpdatedFields:    updated,
		Conflicts:        conflicts,
		Success:          len(conflicts) == 0,
	}
}

// flatten maps nested records to dot-path leaves, skipping bookkeeping
// fields at the top level. Sequences are leaves.
func flatten(record map[string]any) map[string]any {
	out := make(map[string]any)
	for field, value := range record {
		if excludedFields[field] {
			continue
		}
		flattenInto(out, field, value)
	}
	return out
}

func flattenInto(out map[string]any, prefix string, value any) {
	nested, ok := value.(map[string]any)
	if !ok || len(nested) == 0 {
		out[prefix] = value
		return
	}
	for field, child := range nested {
		flattenInto(out, prefix+"."+field, child)
	}
}

// equalValues is deep structural equality: order-sensitive for sequences,
// key-set-and-value equality for mappings.
func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func setPath(record map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := record
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func deletePath(record map[string]any, path string) {
	parts := strings.Split(path, ".")
	current := record
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

func deepCopyMap(record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	for field, value := range record {
		out[field] = deepCopy(value)
	}
	return out
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return value
	}
}
