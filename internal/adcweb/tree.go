package adcweb

import (
	"strconv"
	"strings"
	"time"
)

type treeRow struct {
	Index int
	Title string
	State NodeState
	Level int
	Probe RowProbe
}

var rootRow = treeRow{Index: -1, Level: -1, State: StateOpenFolder}

// childrenOf returns the direct children of parent: rows one level deeper
// within the contiguous run that follows it. The run ends at the first row
// at or above the parent's level.
func childrenOf(rows []treeRow, parent treeRow) []treeRow {
	var out []treeRow
	for i := parent.Index + 1; i < len(rows); i++ {
		row := rows[i]
		if row.Level <= parent.Level {
			break
		}
		if row.Level == parent.Level+1 {
			out = append(out, row)
		}
	}
	return out
}

// pathOf joins the titles from the top of the tree down to row.
func pathOf(rows []treeRow, row treeRow) string {
	if row.Index < 0 {
		return ""
	}
	parts := []string{row.Title}
	level := row.Level
	for i := row.Index - 1; i >= 0 && level > 0; i-- {
		if rows[i].Level < level {
			parts = append(parts, rows[i].Title)
			level = rows[i].Level
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func findChild(rows []treeRow, parent treeRow, title string, folder bool) (treeRow, bool) {
	for _, child := range childrenOf(rows, parent) {
		if child.Title == title && child.State.IsFolder() == folder {
			return child, true
		}
	}
	return treeRow{}, false
}

// parseSize reads sizes such as "1532", "1532 B" or "1.5 KB". Unit suffixes
// lose precision, so only plain byte counts are exact.
func parseSize(raw string) int64 {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if raw == "" {
		return -1
	}
	multipliers := []struct {
		suffix string
		factor float64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	upper := strings.ToUpper(raw)
	factor := 1.0
	for _, m := range multipliers {
		if strings.HasSuffix(upper, m.suffix) {
			factor = m.factor
			raw = strings.TrimSpace(raw[:len(raw)-len(m.suffix)])
			break
		}
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return -1
	}
	return int64(value * factor)
}

func parseModified(raw, layout string, location *time.Location) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || layout == "" {
		return time.Time{}
	}
	ts, err := time.ParseInLocation(layout, raw, location)
	if err != nil {
		return time.Time{}
	}
	return ts
}
