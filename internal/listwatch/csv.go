package listwatch

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// RecordsToCSV renders records as CSV. Nested objects are flattened into
// dot-separated keys and the header is the sorted union of every record's
// keys. Missing values are left empty.
func RecordsToCSV(records []map[string]any) ([]byte, error) {
	flat := make([]map[string]string, 0, len(records))
	seen := map[string]struct{}{}
	for _, record := range records {
		row := map[string]string{}
		flatten("", record, row)
		for key := range row {
			seen[key] = struct{}{}
		}
		flat = append(flat, row)
	}
	header := make([]string, 0, len(seen))
	for key := range seen {
		header = append(header, key)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range flat {
		line := make([]string, len(header))
		for i, key := range header {
			line[i] = row[key]
		}
		if err := w.Write(line); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flatten(prefix string, value any, out map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 && prefix != "" {
			out[prefix] = ""
			return
		}
		for key, child := range v {
			name := key
			if prefix != "" {
				name = prefix + "." + key
			}
			flatten(name, child, out)
		}
	case []any:
		raw, err := json.Marshal(v)
		if err != nil {
			out[prefix] = fmt.Sprint(v)
			return
		}
		out[prefix] = string(raw)
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = v
	case bool:
		out[prefix] = strconv.FormatBool(v)
	case float64:
		out[prefix] = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		out[prefix] = v.String()
	default:
		out[prefix] = fmt.Sprint(v)
	}
}
