package reconcile

import (
	"slices"
	"strings"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Options are per-call switches of a diff.
type Options struct {
	DetectDeletes bool
}

// Modified is a current record whose compared fields differ from its persisted state.
type Modified struct {
	Record   models.SourceRecord
	Existing models.ExistingRecord
	Delta    map[string]models.FieldDelta
}

// Unchanged is a current record equal to its persisted state on every compared field.
type Unchanged struct {
	Record   models.SourceRecord
	Existing models.ExistingRecord
}

// Classification partitions the current and existing ids of one run.
// Every slice is ordered by entity id.
type Classification struct {
	New       []models.SourceRecord
	Modified  []Modified
	Unchanged []Unchanged
	Deleted   []models.ExistingRecord
	// Resurrected lists ids classified new because their persisted state was soft-deleted.
	Resurrected []string
}

// Counts returns new, modified, deleted and unchanged counts.
func (c *Classification) Counts() (newCount, modified, deleted, unchanged int) {
	return len(c.New), len(c.Modified), len(c.Deleted), len(c.Unchanged)
}

// Engine diffs current against existing state for one entity kind.
type Engine struct {
	cfg     *models.EntityTypeConfig
	compare []comparator
}

type comparator struct {
	field            string
	output           string
	complex          bool
	orderInsensitive bool
}

func NewEngine(cfg *models.EntityTypeConfig) *Engine {
	compare := make([]comparator, 0, len(cfg.CompareFields))
	for _, field := range cfg.CompareFields {
		output, ok := cfg.OutputFieldFor(field)
		if !ok {
			output = field
		}
		compare = append(compare, comparator{
			field:            field,
			output:           output,
			complex:          cfg.IsComplex(field) || cfg.IsOrderInsensitive(field),
			orderInsensitive: cfg.IsOrderInsensitive(field),
		})
	}
	return &Engine{cfg: cfg, compare: compare}
}

// Diff classifies every current id as new, modified or unchanged and, when delete
// detection is on, every live existing id absent from current as deleted.
// Existing records are keyed by projected field names; compared fields are read through
// the projection map.
func (e *Engine) Diff(current map[string]models.SourceRecord, existing map[string]models.ExistingRecord, opts Options) *Classification {
	c := &Classification{}

	for id, record := range current {
		prev, found := existing[id]
		if !found {
			c.New = append(c.New, record)
			continue
		}
		if prev.Deleted {
			c.New = append(c.New, record)
			c.Resurrected = append(c.Resurrected, id)
			continue
		}

		delta := e.delta(record, prev)
		if len(delta) > 0 {
			c.Modified = append(c.Modified, Modified{Record: record, Existing: prev, Delta: delta})
		} else {
			c.Unchanged = append(c.Unchanged, Unchanged{Record: record, Existing: prev})
		}
	}

	if opts.DetectDeletes {
		for id, prev := range existing {
			if _, found := current[id]; found || prev.Deleted {
				continue
			}
			c.Deleted = append(c.Deleted, prev)
		}
	}

	slices.SortFunc(c.New, func(a, b models.SourceRecord) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(c.Modified, func(a, b Modified) int { return strings.Compare(a.Record.ID, b.Record.ID) })
	slices.SortFunc(c.Unchanged, func(a, b Unchanged) int { return strings.Compare(a.Record.ID, b.Record.ID) })
	slices.SortFunc(c.Deleted, func(a, b models.ExistingRecord) int { return strings.Compare(a.ID, b.ID) })
	slices.Sort(c.Resurrected)
	return c
}

// Diff is a convenience wrapper for a one-off comparison.
func Diff(current map[string]models.SourceRecord, existing map[string]models.ExistingRecord, cfg *models.EntityTypeConfig, opts Options) *Classification {
	return NewEngine(cfg).Diff(current, existing, opts)
}

func (e *Engine) delta(record models.SourceRecord, prev models.ExistingRecord) map[string]models.FieldDelta {
	var delta map[string]models.FieldDelta
	for _, cmp := range e.compare {
		newValue := record.Properties.Get(cmp.field)
		oldValue := prev.Properties.Get(cmp.output)
		if cmp.equal(oldValue, newValue) {
			continue
		}
		if delta == nil {
			delta = make(map[string]models.FieldDelta)
		}
		delta[cmp.field] = models.FieldDelta{Old: oldValue, New: newValue}
	}
	return delta
}

func (c comparator) equal(a, b models.Value) bool {
	if c.complex {
		return fingerprint.Equal(a, b, c.orderInsensitive)
	}
	return a.Equal(b)
}
