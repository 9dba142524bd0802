package listwatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

var ErrUnknownDocument = errors.New("document has neither data nor md5-index")

// DocumentKind tells how a day document turns into rows.
type DocumentKind string

const (
	KindSensor     DocumentKind = "sensor"
	KindLabResults DocumentKind = "lab-results"
)

// DetectKind looks at the shape of a day document: sensor days carry a
// "data" object of readings, lab-result days an "md5-index" of results.
func DetectKind(doc map[string]any) (DocumentKind, error) {
	if data, ok := doc["data"].(map[string]any); ok && data != nil {
		return KindSensor, nil
	}
	if index, ok := doc["md5-index"].(map[string]any); ok && index != nil {
		return KindLabResults, nil
	}
	return "", ErrUnknownDocument
}

// SensorRecords returns the readings of a sensor day ordered by key.
func SensorRecords(doc map[string]any) []map[string]any {
	data, _ := doc["data"].(map[string]any)
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	records := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		if record, ok := data[key].(map[string]any); ok {
			records = append(records, stripMeta(record))
		}
	}
	return records
}

// ResultFetcher loads one lab result by its md5-index key.
type ResultFetcher func(ctx context.Context, key string) (map[string]any, error)

// LabRecords fetches every result of a lab day in parallel through gate and
// flattens them into one row per sample. A result without samples is one
// row.
func LabRecords(ctx context.Context, doc map[string]any, gate Gate, fetch ResultFetcher) ([]map[string]any, error) {
	index, _ := doc["md5-index"].(map[string]any)
	keys := make([]string, 0, len(index))
	for key := range index {
		if !strings.HasPrefix(key, "_") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	results := make([]map[string]any, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			load := func(ctx context.Context) error {
				result, err := fetch(ctx, key)
				if err != nil {
					return fmt.Errorf("fetch lab result %s: %w", key, err)
				}
				results[i] = result
				return nil
			}
			if gate == nil {
				return load(gctx)
			}
			return gate.Local(gctx, load)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var records []map[string]any
	for _, result := range results {
		records = append(records, labRows(stripMeta(result))...)
	}
	return records, nil
}

func labRows(result map[string]any) []map[string]any {
	samples, _ := result["samples"].([]any)
	common := map[string]any{}
	for key, value := range result {
		if key != "samples" {
			common[key] = value
		}
	}
	if len(samples) == 0 {
		return []map[string]any{common}
	}
	rows := make([]map[string]any, 0, len(samples))
	for _, raw := range samples {
		sample, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		row := map[string]any{"sample": stripMeta(sample)}
		for key, value := range common {
			row[key] = value
		}
		rows = append(rows, row)
	}
	return rows
}

// stripMeta drops bookkeeping keys such as _id, _rev and _meta.
func stripMeta(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for key, value := range record {
		if !strings.HasPrefix(key, "_") {
			out[key] = value
		}
	}
	return out
}
