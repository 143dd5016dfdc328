package changelog

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/google/uuid"
)

// PartitionLayout is the date bucket format of change record partition keys.
const PartitionLayout = "2006-01-02"

const secondsPerDay = 86400

// changeNamespace seeds deterministic change record ids.
var changeNamespace = uuid.MustParse("6f1c7d2e-3b4a-5c6d-8e9f-0a1b2c3d4e5f")

// Compact emits one change record per new, modified and deleted entity. Modified records
// carry only the changed fields. Ids derive from the run id, kind and entity id so a
// retried run overwrites its own records instead of duplicating them.
func Compact(c *reconcile.Classification, cfg *models.EntityTypeConfig, runID string, now time.Time) []models.ChangeRecord {
	now = now.UTC()
	partition := now.Format(PartitionLayout)
	ttl := expiry(cfg)

	records := make([]models.ChangeRecord, 0, len(c.New)+len(c.Modified)+len(c.Deleted))
	add := func(entityID, kind string, changeType models.ChangeType, delta map[string]models.FieldDelta) {
		records = append(records, models.ChangeRecord{
			ID:           RecordID(runID, cfg.Name, entityID),
			EntityID:     entityID,
			Kind:         kindOf(kind, cfg),
			ChangeType:   changeType,
			EventTime:    now,
			PartitionKey: partition,
			RunID:        runID,
			Changes:      delta,
			TTL:          ttl,
		})
	}

	for _, record := range c.New {
		add(record.ID, record.Kind, models.ChangeTypeNew, nil)
	}
	for _, m := range c.Modified {
		add(m.Record.ID, m.Record.Kind, models.ChangeTypeModified, m.Delta)
	}
	for _, prev := range c.Deleted {
		add(prev.ID, prev.Kind, models.ChangeTypeDeleted, nil)
	}
	return records
}

// RecordID is the deterministic id of the change record of one entity in one run.
func RecordID(runID, kind, entityID string) string {
	return uuid.NewSHA1(changeNamespace, []byte(runID+"/"+kind+"/"+entityID)).String()
}

func kindOf(discriminator string, cfg *models.EntityTypeConfig) string {
	if discriminator != "" {
		return discriminator
	}
	return cfg.Name
}

func expiry(cfg *models.EntityTypeConfig) *int {
	if cfg.ChangeLog.Permanent || cfg.ChangeLog.TTLDays <= 0 {
		return nil
	}
	ttl := cfg.ChangeLog.TTLDays * secondsPerDay
	return &ttl
}
