package projection

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
)

const secondsPerDay = 86400

// Project maps classified records into the persisted document shape.
// New and modified records are always projected; deleted records only when the kind
// writes deletes. Unchanged records produce no document.
func Project(c *reconcile.Classification, cfg *models.EntityTypeConfig, now time.Time) []models.Document {
	now = now.UTC()
	docs := make([]models.Document, 0, len(c.New)+len(c.Modified)+len(c.Deleted))

	for _, record := range c.New {
		docs = append(docs, fromSource(record, nil, cfg, now))
	}
	for _, m := range c.Modified {
		prev := m.Existing
		docs = append(docs, fromSource(m.Record, &prev, cfg, now))
	}
	if cfg.WriteDeletes {
		for _, prev := range c.Deleted {
			docs = append(docs, fromDeleted(prev, cfg, now))
		}
	}
	return docs
}

// Fields copies only the projected fields of a source property bag, renamed to their
// output names. Absent source fields are omitted.
func Fields(props models.Properties, cfg *models.EntityTypeConfig) models.Properties {
	out := make(models.Properties, len(cfg.Projection))
	for output, input := range cfg.Projection {
		if v, ok := props[input]; ok {
			out[output] = v
		}
	}
	return out
}

// PartitionKey resolves the partition key of a source record.
func PartitionKey(record models.SourceRecord, cfg *models.EntityTypeConfig) string {
	if cfg.PartitionKeyField == "" {
		return record.ID
	}
	if pk, ok := record.Properties.Get(cfg.PartitionKeyField).Text(); ok && pk != "" {
		return pk
	}
	return record.ID
}

func fromSource(record models.SourceRecord, prev *models.ExistingRecord, cfg *models.EntityTypeConfig, now time.Time) models.Document {
	doc := models.Document{
		ID:               record.ID,
		DiscriminatorKey: cfg.Discriminator.Key,
		Kind:             record.Kind,
		PartitionKey:     PartitionKey(record, cfg),
		Properties:       Fields(record.Properties, cfg),
	}

	effectiveFrom := now
	if prev != nil && prev.EffectiveFrom != nil {
		effectiveFrom = *prev.EffectiveFrom
	}
	doc.EffectiveFrom = &effectiveFrom
	return doc
}

func fromDeleted(prev models.ExistingRecord, cfg *models.EntityTypeConfig, now time.Time) models.Document {
	props := make(models.Properties, len(cfg.Projection))
	for output := range cfg.Projection {
		if v, ok := prev.Properties[output]; ok {
			props[output] = v
		}
	}

	doc := models.Document{
		ID:               prev.ID,
		DiscriminatorKey: cfg.Discriminator.Key,
		Kind:             prev.Kind,
		PartitionKey:     prev.PartitionKey,
		Properties:       props,
		EffectiveFrom:    prev.EffectiveFrom,
	}
	if doc.PartitionKey == "" {
		doc.PartitionKey = prev.ID
	}
	if doc.EffectiveFrom == nil {
		effectiveFrom := now
		doc.EffectiveFrom = &effectiveFrom
	}

	if cfg.SoftDelete.Enabled {
		effectiveTo := now
		doc.EffectiveTo = &effectiveTo
		doc.Deleted = true
		if cfg.SoftDelete.TTLDays > 0 {
			ttl := cfg.SoftDelete.TTLDays * secondsPerDay
			doc.TTL = &ttl
		}
	}
	return doc
}
