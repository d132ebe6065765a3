// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Defaults holds the default permission snapshot for each trust
// relationship, loaded from the node's trust defaults directory. A
// relationship without a file gets an empty default snapshot, meaning
// its peers see only what their override grants.
type Defaults struct {
	byRelationship map[string]Snapshot
}

// ParseSnapshot strips JSONC comments and trailing commas from data,
// then unmarshals the result into a permission Snapshot. The input
// format is the category-to-rules object used in permission-update
// callbacks, extended with // line comments, /* block comments */,
// and trailing commas.
func ParseSnapshot(data []byte) (Snapshot, error) {
	stripped := jsonc.ToJSON(data)

	var snapshot Snapshot
	if err := json.Unmarshal(stripped, &snapshot); err != nil {
		return nil, fmt.Errorf("parsing permission snapshot: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// LoadDefaults reads every <relationship>.jsonc file in dir and parses
// it as that relationship's default permission snapshot. A missing
// directory is not an error: nodes without configured defaults run
// with empty ones.
func LoadDefaults(dir string) (*Defaults, error) {
	defaults := &Defaults{byRelationship: make(map[string]Snapshot)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return nil, fmt.Errorf("reading trust defaults directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonc") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		snapshot, err := ParseSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		relationship := strings.TrimSuffix(entry.Name(), ".jsonc")
		defaults.byRelationship[relationship] = snapshot
	}
	return defaults, nil
}

// For returns the default snapshot for a relationship. Relationships
// without a configured file get an empty snapshot.
func (d *Defaults) For(relationship string) Snapshot {
	if snapshot, ok := d.byRelationship[relationship]; ok {
		return snapshot
	}
	return Snapshot{}
}

// Relationships returns the sorted relationship names that have
// configured defaults.
func (d *Defaults) Relationships() []string {
	names := make([]string, 0, len(d.byRelationship))
	for name := range d.byRelationship {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
