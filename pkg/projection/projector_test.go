package projection

import (
	"testing"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userConfig() *models.EntityTypeConfig {
	cfg := &models.EntityTypeConfig{
		Name:          "users",
		Discriminator: models.Discriminator{Key: "type"},
		CompareFields: []string{"displayName", "groups"},
		ComplexFields: []string{"groups"},
		Projection: map[string]string{
			"name":   "displayName",
			"groups": "groups",
		},
		WriteDeletes: true,
		SoftDelete:   models.SoftDeletePolicy{Enabled: true, TTLDays: 90},
	}
	cfg.Prepare()
	return cfg
}

func record(id string, props map[string]any) models.SourceRecord {
	p, err := models.PropertiesFromMap(props)
	if err != nil {
		panic(err)
	}
	return models.SourceRecord{ID: id, Kind: "user", Properties: p}
}

func TestProject_DropsUnlistedFields(t *testing.T) {
	cfg := userConfig()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c := &reconcile.Classification{
		New: []models.SourceRecord{record("A", map[string]any{"displayName": "Ada", "secret": "x"})},
	}

	docs := Project(c, cfg, now)

	require.Len(t, docs, 1)
	assert.Equal(t, models.Properties{"name": models.String("Ada")}, docs[0].Properties)
	assert.Equal(t, "A", docs[0].ID)
	assert.Equal(t, "A", docs[0].PartitionKey)
	assert.Equal(t, "user", docs[0].Kind)
	assert.Equal(t, "type", docs[0].DiscriminatorKey)
	require.NotNil(t, docs[0].EffectiveFrom)
	assert.Equal(t, now, *docs[0].EffectiveFrom)
}

func TestProject_SoftDelete(t *testing.T) {
	cfg := userConfig()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	firstSeen := now.Add(-30 * 24 * time.Hour)

	prev := models.ExistingRecord{
		ID:            "B",
		Kind:          "user",
		PartitionKey:  "B",
		Properties:    models.Properties{"name": models.String("Bob")},
		EffectiveFrom: &firstSeen,
	}
	c := &reconcile.Classification{
		New:      []models.SourceRecord{record("A", map[string]any{"displayName": "Ada"})},
		Modified: []reconcile.Modified{{Record: record("C", map[string]any{"displayName": "Cy"}), Existing: models.ExistingRecord{ID: "C", EffectiveFrom: &firstSeen}}},
		Deleted:  []models.ExistingRecord{prev},
	}

	docs := Project(c, cfg, now)
	require.Len(t, docs, 3)

	for _, doc := range docs {
		if doc.ID == "B" {
			require.NotNil(t, doc.EffectiveTo)
			assert.Equal(t, now, *doc.EffectiveTo)
			assert.True(t, doc.Deleted)
			require.NotNil(t, doc.TTL)
			assert.Equal(t, 90*86400, *doc.TTL)
			assert.Equal(t, firstSeen, *doc.EffectiveFrom)
			assert.Equal(t, models.String("Bob"), doc.Properties["name"])
			continue
		}
		assert.Nil(t, doc.EffectiveTo, doc.ID)
		assert.False(t, doc.Deleted, doc.ID)
		assert.Nil(t, doc.TTL, doc.ID)
	}

	modified := docs[1]
	assert.Equal(t, "C", modified.ID)
	assert.Equal(t, firstSeen, *modified.EffectiveFrom)
}

func TestProject_DeletesNotWritten(t *testing.T) {
	cfg := userConfig()
	cfg.WriteDeletes = false
	c := &reconcile.Classification{Deleted: []models.ExistingRecord{{ID: "B"}}}

	assert.Empty(t, Project(c, cfg, time.Now()))
}

func TestProject_SoftDeleteDisabled(t *testing.T) {
	cfg := userConfig()
	cfg.SoftDelete.Enabled = false
	c := &reconcile.Classification{Deleted: []models.ExistingRecord{{ID: "B"}}}

	docs := Project(c, cfg, time.Now())
	require.Len(t, docs, 1)
	assert.Nil(t, docs[0].EffectiveTo)
	assert.False(t, docs[0].Deleted)
	assert.Equal(t, "B", docs[0].PartitionKey)
}

func TestProject_PartitionKeyField(t *testing.T) {
	cfg := userConfig()
	cfg.PartitionKeyField = "tenantId"
	c := &reconcile.Classification{
		New: []models.SourceRecord{
			record("A", map[string]any{"displayName": "Ada", "tenantId": "t1"}),
			record("B", map[string]any{"displayName": "Bob"}),
		},
	}

	docs := Project(c, cfg, time.Now())
	require.Len(t, docs, 2)
	assert.Equal(t, "t1", docs[0].PartitionKey)
	assert.Equal(t, "B", docs[1].PartitionKey)
}

func TestProject_RoundTripIsUnchanged(t *testing.T) {
	cfg := userConfig()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	current := map[string]models.SourceRecord{
		"A": record("A", map[string]any{"displayName": "Ada", "groups": []any{"g1", "g2"}, "extra": true}),
		"B": record("B", map[string]any{"displayName": "Bob"}),
	}

	first := reconcile.Diff(current, map[string]models.ExistingRecord{}, cfg, reconcile.Options{DetectDeletes: true})
	require.Len(t, first.New, 2)

	existing := make(map[string]models.ExistingRecord)
	for _, doc := range Project(first, cfg, now) {
		existing[doc.ID] = doc.ToExisting()
	}

	second := reconcile.Diff(current, existing, cfg, reconcile.Options{DetectDeletes: true})
	assert.Len(t, second.Unchanged, 2)
	assert.Empty(t, second.New)
	assert.Empty(t, second.Modified)
	assert.Empty(t, second.Deleted)
}
