// Package migration compares two contract versions: a structural diff,
// a breaking-change taxonomy over that diff, and a three-layer
// compatibility check for flows already in flight.
package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ConstructRef names one construct in a bundle.
type ConstructRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// FieldDiff is one changed field within a construct, with its JSON
// before/after values.
type FieldDiff struct {
	Field  string          `json:"field"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// ChangedConstruct is a construct present in both versions with at least
// one differing field.
type ChangedConstruct struct {
	Kind   string      `json:"kind"`
	ID     string      `json:"id"`
	Fields []FieldDiff `json:"fields"`
}

// BundleDiff is the structural difference between two bundles.
type BundleDiff struct {
	Added   []ConstructRef     `json:"added"`
	Removed []ConstructRef     `json:"removed"`
	Changed []ChangedConstruct `json:"changed"`
}

// IsEmpty reports whether the two bundles are structurally identical.
func (d *BundleDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

type constructKey struct {
	Kind string
	ID   string
}

// DiffBundles computes added / removed / changed constructs between two
// interchange JSON bundles, keyed by (kind, id). Field comparison is by
// canonical JSON equality, so key order never produces phantom diffs.
func DiffBundles(v1JSON, v2JSON []byte) (*BundleDiff, error) {
	before, err := indexConstructs(v1JSON)
	if err != nil {
		return nil, fmt.Errorf("migration: v1: %w", err)
	}
	after, err := indexConstructs(v2JSON)
	if err != nil {
		return nil, fmt.Errorf("migration: v2: %w", err)
	}

	diff := &BundleDiff{}

	keys := make([]constructKey, 0, len(before)+len(after))
	seen := make(map[constructKey]bool)
	for k := range before {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range after {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})

	for _, key := range keys {
		b, inBefore := before[key]
		a, inAfter := after[key]
		switch {
		case inBefore && !inAfter:
			diff.Removed = append(diff.Removed, ConstructRef{Kind: key.Kind, ID: key.ID})
		case !inBefore && inAfter:
			diff.Added = append(diff.Added, ConstructRef{Kind: key.Kind, ID: key.ID})
		default:
			fields := diffFields(b, a)
			if len(fields) > 0 {
				diff.Changed = append(diff.Changed, ChangedConstruct{
					Kind:   key.Kind,
					ID:     key.ID,
					Fields: fields,
				})
			}
		}
	}

	return diff, nil
}

func indexConstructs(bundleJSON []byte) (map[constructKey]map[string]json.RawMessage, error) {
	var bundle struct {
		Constructs []map[string]json.RawMessage `json:"constructs"`
	}
	if err := json.Unmarshal(bundleJSON, &bundle); err != nil {
		return nil, fmt.Errorf("invalid bundle JSON: %w", err)
	}
	index := make(map[constructKey]map[string]json.RawMessage, len(bundle.Constructs))
	for _, obj := range bundle.Constructs {
		var kind, id string
		if raw, ok := obj["kind"]; ok {
			_ = json.Unmarshal(raw, &kind)
		}
		if raw, ok := obj["id"]; ok {
			_ = json.Unmarshal(raw, &id)
		}
		if kind == "" || id == "" {
			continue
		}
		index[constructKey{Kind: kind, ID: id}] = obj
	}
	return index, nil
}

func diffFields(before, after map[string]json.RawMessage) []FieldDiff {
	var fields []FieldDiff
	names := make([]string, 0, len(before)+len(after))
	seen := make(map[string]bool)
	for name := range before {
		names = append(names, name)
		seen[name] = true
	}
	for name := range after {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		b, inBefore := before[name]
		a, inAfter := after[name]
		if !inBefore {
			b = json.RawMessage("null")
		}
		if !inAfter {
			a = json.RawMessage("null")
		}
		if !jsonEqual(b, a) {
			fields = append(fields, FieldDiff{Field: name, Before: b, After: a})
		}
	}
	return fields
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	na, errA := normalizeJSON(a)
	nb, errB := normalizeJSON(b)
	if errA != nil || errB != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(na, nb)
}

func normalizeJSON(raw json.RawMessage) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
