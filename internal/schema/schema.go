// Package schema turns raw source headers into warehouse-safe column names.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

// UnnamedColumn is used for headers that clean to nothing.
const UnnamedColumn = "unnamed_column"

// MaxColumnNameLength is the longest destination name the warehouses accept.
const MaxColumnNameLength = 300

var (
	separatorRun = regexp.MustCompile(`[\s\W]+`)
	disallowed   = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	identifier   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Clean maps one raw header to a destination column name.
func Clean(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return UnnamedColumn
	}
	name = separatorRun.ReplaceAllString(name, "_")
	name = disallowed.ReplaceAllString(name, "")
	name = strings.ToLower(name)
	name = strings.Trim(name, "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "col_" + name
	}
	if name == "" {
		return UnnamedColumn
	}
	return name
}

// GenerateMapping cleans headers in order and suffixes repeats with _1, _2, ...
// A suffixed name that is already taken is skipped, so destination names in
// the result are always distinct.
func GenerateMapping(headers []string) []domain.ColumnMapping {
	out := make([]domain.ColumnMapping, 0, len(headers))
	used := make(map[string]struct{}, len(headers))
	seen := make(map[string]int, len(headers))
	for _, header := range headers {
		base := Clean(header)
		name := base
		if _, taken := used[name]; taken {
			n := seen[base]
			for {
				n++
				name = fmt.Sprintf("%s_%d", base, n)
				if _, taken := used[name]; !taken {
					break
				}
			}
			seen[base] = n
		}
		used[name] = struct{}{}
		out = append(out, domain.ColumnMapping{OriginalName: header, DestinationName: name})
	}
	return out
}

// ValidateMapping rejects mappings the warehouse cannot load: empty, invalid,
// overlong or case-insensitively duplicated destination names.
func ValidateMapping(mapping []domain.ColumnMapping) error {
	seen := make(map[string]int, len(mapping))
	for i, m := range mapping {
		name := m.DestinationName
		switch {
		case strings.TrimSpace(name) == "":
			return domain.Errorf(domain.KindConfiguration, "validate mapping", "column %d (%q): destination name is empty", i, m.OriginalName)
		case len(name) > MaxColumnNameLength:
			return domain.Errorf(domain.KindConfiguration, "validate mapping", "column %d (%q): destination name exceeds %d characters", i, m.OriginalName, MaxColumnNameLength)
		case !identifier.MatchString(name):
			return domain.Errorf(domain.KindConfiguration, "validate mapping", "column %d (%q): invalid destination name %q", i, m.OriginalName, name)
		}
		key := strings.ToLower(name)
		if prev, dup := seen[key]; dup {
			return domain.Errorf(domain.KindConfiguration, "validate mapping", "columns %d and %d share destination name %q", prev, i, name)
		}
		seen[key] = i
	}
	return nil
}

// Columns returns the destination names in mapping order.
func Columns(mapping []domain.ColumnMapping) []string {
	out := make([]string, len(mapping))
	for i, m := range mapping {
		out[i] = m.DestinationName
	}
	return out
}

// Drift lists headers that appeared at the source without a mapping and mapped
// headers that are no longer present.
type Drift struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

func (d Drift) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// DetectDrift compares the mapped original names with the headers observed at
// the source. Order follows headers for Added and mapping for Removed.
func DetectDrift(mapping []domain.ColumnMapping, headers []string) Drift {
	mapped := make(map[string]struct{}, len(mapping))
	for _, m := range mapping {
		mapped[m.OriginalName] = struct{}{}
	}
	present := make(map[string]struct{}, len(headers))
	var drift Drift
	for _, h := range headers {
		present[h] = struct{}{}
		if _, ok := mapped[h]; !ok {
			drift.Added = append(drift.Added, h)
		}
	}
	for _, m := range mapping {
		if _, ok := present[m.OriginalName]; !ok {
			drift.Removed = append(drift.Removed, m.OriginalName)
		}
	}
	return drift
}
