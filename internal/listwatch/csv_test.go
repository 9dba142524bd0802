package listwatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsToCSVFlattensAndUnionsHeaders(t *testing.T) {
	records := []map[string]any{
		{"time": float64(1), "value": 1.25, "sensor": map[string]any{"id": "a1", "depth": float64(10)}},
		{"time": float64(2), "flag": true, "tags": []any{"x", "y"}},
	}
	out, err := RecordsToCSV(records)
	require.NoError(t, err)
	assert.Equal(t,
		"flag,sensor.depth,sensor.id,tags,time,value\n"+
			",10,a1,,1,1.25\n"+
			"true,,,\"[\"\"x\"\",\"\"y\"\"]\",2,\n",
		string(out))
}

func TestRecordsToCSVEmpty(t *testing.T) {
	out, err := RecordsToCSV(nil)
	require.NoError(t, err)
	assert.Equal(t, "\n", string(out))
}

func TestDetectKind(t *testing.T) {
	kind, err := DetectKind(map[string]any{"data": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, KindSensor, kind)

	kind, err = DetectKind(map[string]any{"md5-index": map[string]any{"a": map[string]any{}}})
	require.NoError(t, err)
	assert.Equal(t, KindLabResults, kind)

	_, err = DetectKind(map[string]any{"other": 1})
	assert.ErrorIs(t, err, ErrUnknownDocument)
}

func TestSensorRecordsOrderedByKey(t *testing.T) {
	doc := map[string]any{"data": map[string]any{
		"b":    map[string]any{"time": float64(2), "_id": "x"},
		"a":    map[string]any{"time": float64(1)},
		"junk": "not a record",
	}}
	records := SensorRecords(doc)
	require.Len(t, records, 2)
	assert.Equal(t, map[string]any{"time": float64(1)}, records[0])
	assert.Equal(t, map[string]any{"time": float64(2)}, records[1])
}

func TestLabRecordsOneRowPerSample(t *testing.T) {
	doc := map[string]any{"md5-index": map[string]any{"def": map[string]any{}, "abc": map[string]any{}, "_rev": 3}}
	results := map[string]map[string]any{
		"abc": {"_id": "r1", "lab": map[string]any{"name": "A&L"}, "samples": []any{
			map[string]any{"id": "s1", "ph": 6.5},
			map[string]any{"id": "s2", "ph": float64(7)},
		}},
		"def": {"lab": map[string]any{"name": "A&L"}, "date": "2024-02-10"},
	}
	records, err := LabRecords(context.Background(), doc, nil, func(_ context.Context, key string) (map[string]any, error) {
		return results[key], nil
	})
	require.NoError(t, err)
	out, err := RecordsToCSV(records)
	require.NoError(t, err)
	assert.Equal(t,
		"date,lab.name,sample.id,sample.ph\n"+
			",A&L,s1,6.5\n"+
			",A&L,s2,7\n"+
			"2024-02-10,A&L,,\n",
		string(out))
}

func TestLabRecordsFetchFailure(t *testing.T) {
	doc := map[string]any{"md5-index": map[string]any{"abc": map[string]any{}}}
	boom := errors.New("boom")
	_, err := LabRecords(context.Background(), doc, nil, func(context.Context, string) (map[string]any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}
