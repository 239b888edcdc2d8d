package housekeeping

import (
	"strings"

	"github.com/blockadesystems/acmekeeper/internal/model"
)

// Separator between the segments of a join path.
const pathSeparator = "__"

// NormalizeName maps a join path to its display name. A single segment is
// qualified with prefix, two segments are joined with a period and longer
// paths keep only their last two segments.
func NormalizeName(path, prefix string) string {
	segments := strings.Split(path, pathSeparator)
	switch len(segments) {
	case 1:
		return prefix + "." + segments[0]
	case 2:
		return segments[0] + "." + segments[1]
	default:
		return segments[len(segments)-2] + "." + segments[len(segments)-1]
	}
}

// NormalizeNames builds the path to display name mapping for paths.
func NormalizeNames(paths []string, prefix string) map[string]string {
	names := make(map[string]string, len(paths))
	for _, p := range paths {
		names[p] = NormalizeName(p, prefix)
	}
	return names
}

// Normalize returns the display header for fieldPaths and rows rekeyed by
// display name. The header keeps the order of first appearance. Row keys
// missing from fieldPaths are rekeyed with the same rule and kept.
func Normalize(fieldPaths []string, rows []model.Row, prefix string) ([]string, []model.Row) {
	names := NormalizeNames(fieldPaths, prefix)

	header := make([]string, 0, len(fieldPaths))
	seen := make(map[string]bool, len(fieldPaths))
	for _, p := range fieldPaths {
		name := names[p]
		if seen[name] {
			continue
		}
		seen[name] = true
		header = append(header, name)
	}

	out := make([]model.Row, 0, len(rows))
	for _, row := range rows {
		renamed := make(model.Row, len(row))
		for k, v := range row {
			name, ok := names[k]
			if !ok {
				name = NormalizeName(k, prefix)
				names[k] = name
			}
			renamed[name] = v
		}
		out = append(out, renamed)
	}
	return header, out
}

// ToRows projects rows onto fields. The first row is the header; absent
// values become "". Values are not modified.
func ToRows(fields []string, rows []model.Row) [][]any {
	if len(fields) == 0 && len(rows) == 0 {
		return [][]any{}
	}
	out := make([][]any, 0, len(rows)+1)
	header := make([]any, len(fields))
	for i, f := range fields {
		header[i] = f
	}
	out = append(out, header)
	for _, row := range rows {
		line := make([]any, len(fields))
		for i, f := range fields {
			v, ok := row[f]
			if !ok || v == nil {
				v = ""
			}
			line[i] = v
		}
		out = append(out, line)
	}
	return out
}
