package changelog

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(fields []string) *models.EntityTypeConfig {
	projection := make(map[string]string, len(fields))
	for _, f := range fields {
		projection[f] = f
	}
	cfg := &models.EntityTypeConfig{
		Name:          "devices",
		CompareFields: fields,
		Projection:    projection,
		ChangeLog:     models.ChangeLogPolicy{Enabled: true, Permanent: true},
	}
	cfg.Prepare()
	return cfg
}

func TestCompact_ModifiedCarriesOnlyDelta(t *testing.T) {
	fields := make([]string, 20)
	current := map[string]any{}
	previous := map[string]any{}
	for i := range fields {
		fields[i] = fmt.Sprintf("f%02d", i)
		current[fields[i]] = i
		previous[fields[i]] = i
	}
	current["f07"] = "changed"

	cfg := testConfig(fields)
	curProps, _ := models.PropertiesFromMap(current)
	prevProps, _ := models.PropertiesFromMap(previous)

	c := reconcile.Diff(
		map[string]models.SourceRecord{"D": {ID: "D", Properties: curProps}},
		map[string]models.ExistingRecord{"D": {ID: "D", Properties: prevProps}},
		cfg, reconcile.Options{},
	)
	now := time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC)

	records := Compact(c, cfg, "run-1", now)

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, models.ChangeTypeModified, rec.ChangeType)
	assert.Equal(t, map[string]models.FieldDelta{
		"f07": {Old: models.Int(7), New: models.String("changed")},
	}, rec.Changes)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(b, &payload))
	assert.ElementsMatch(t,
		[]string{"id", "entityId", "kind", "changeType", "eventTime", "partitionKey", "runId", "changes"},
		keys(payload),
	)
}

func TestCompact_Metadata(t *testing.T) {
	cfg := testConfig([]string{"name"})
	now := time.Date(2024, 3, 9, 23, 59, 0, 0, time.FixedZone("x", -2*3600))
	c := &reconcile.Classification{
		New:     []models.SourceRecord{{ID: "A", Kind: "device"}},
		Deleted: []models.ExistingRecord{{ID: "B"}},
	}

	records := Compact(c, cfg, "run-1", now)
	require.Len(t, records, 2)

	assert.Equal(t, "2024-03-10", records[0].PartitionKey)
	assert.Equal(t, "device", records[0].Kind)
	assert.Equal(t, models.ChangeTypeNew, records[0].ChangeType)
	assert.Nil(t, records[0].Changes)
	assert.Nil(t, records[0].TTL)

	assert.Equal(t, "devices", records[1].Kind)
	assert.Equal(t, models.ChangeTypeDeleted, records[1].ChangeType)

	again := Compact(c, cfg, "run-1", now)
	assert.Equal(t, records[0].ID, again[0].ID)
	assert.NotEqual(t, records[0].ID, Compact(c, cfg, "run-2", now)[0].ID)
}

func TestCompact_TTL(t *testing.T) {
	cfg := testConfig([]string{"name"})
	cfg.ChangeLog = models.ChangeLogPolicy{Enabled: true, TTLDays: 30}
	c := &reconcile.Classification{New: []models.SourceRecord{{ID: "A"}}}

	records := Compact(c, cfg, "run-1", time.Now())
	require.NotNil(t, records[0].TTL)
	assert.Equal(t, 30*86400, *records[0].TTL)
}

func TestCompact_UnchangedEmitsNothing(t *testing.T) {
	cfg := testConfig([]string{"name"})
	c := &reconcile.Classification{Unchanged: []reconcile.Unchanged{{Record: models.SourceRecord{ID: "A"}}}}

	assert.Empty(t, Compact(c, cfg, "run-1", time.Now()))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
