package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceRecord is one entity as collected for the current run.
type SourceRecord struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind,omitempty"`
	Properties Properties `json:"properties"`
}

// ExistingRecord is the last persisted state of an entity.
// Properties are keyed by projected (output) field names.
type ExistingRecord struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind,omitempty"`
	PartitionKey  string     `json:"partition_key"`
	Properties    Properties `json:"properties"`
	LastModified  time.Time  `json:"last_modified"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Deleted       bool       `json:"deleted"`
}

// Reserved top-level field names of a persisted document.
const (
	FieldID            = "id"
	FieldEffectiveFrom = "effectiveFrom"
	FieldEffectiveTo   = "effectiveTo"
	FieldDeleted       = "deleted"
	FieldTTL           = "ttl"
	FieldLastModified  = "lastModified"
)

// ReservedFields cannot be used as projection output names.
var ReservedFields = map[string]bool{
	FieldID:            true,
	FieldEffectiveFrom: true,
	FieldEffectiveTo:   true,
	FieldDeleted:       true,
	FieldTTL:           true,
	FieldLastModified:  true,
}

// Document is the persisted shape of an entity. Its JSON form is flat: the projected
// properties sit next to id, the discriminator field and the validity metadata.
type Document struct {
	ID               string
	DiscriminatorKey string
	Kind             string
	PartitionKey     string
	Properties       Properties
	EffectiveFrom    *time.Time
	EffectiveTo      *time.Time
	Deleted          bool
	TTL              *int
	LastModified     time.Time
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Properties)+6)
	for k, v := range d.Properties {
		out[k] = v
	}
	out[FieldID] = d.ID
	if d.DiscriminatorKey != "" {
		out[d.DiscriminatorKey] = d.Kind
	}
	out[FieldEffectiveFrom] = d.EffectiveFrom
	out[FieldEffectiveTo] = d.EffectiveTo
	out[FieldDeleted] = d.Deleted
	if d.TTL != nil {
		out[FieldTTL] = *d.TTL
	}
	if !d.LastModified.IsZero() {
		out[FieldLastModified] = d.LastModified
	}
	return json.Marshal(out)
}

// DecodeDocument parses the flat JSON form written by MarshalJSON.
func DecodeDocument(data []byte, discriminatorKey string) (Document, error) {
	var props Properties
	if err := json.Unmarshal(data, &props); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}

	doc := Document{DiscriminatorKey: discriminatorKey}
	if id, ok := props[FieldID].Text(); ok {
		doc.ID = id
	}
	if discriminatorKey != "" {
		doc.Kind, _ = props[discriminatorKey].Text()
		delete(props, discriminatorKey)
	}
	doc.EffectiveFrom = parseTime(props[FieldEffectiveFrom])
	doc.EffectiveTo = parseTime(props[FieldEffectiveTo])
	doc.Deleted, _ = props[FieldDeleted].AsBool()
	if ttl, ok := props[FieldTTL].AsNumber(); ok {
		v := int(ttl)
		doc.TTL = &v
	}
	if lm := parseTime(props[FieldLastModified]); lm != nil {
		doc.LastModified = *lm
	}
	for name := range ReservedFields {
		delete(props, name)
	}
	doc.Properties = props
	return doc, nil
}

func parseTime(v Value) *time.Time {
	s, ok := v.AsString()
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// ToExisting converts a stored document into the shape the reconciliation engine reads.
func (d Document) ToExisting() ExistingRecord {
	return ExistingRecord{
		ID:            d.ID,
		Kind:          d.Kind,
		PartitionKey:  d.PartitionKey,
		Properties:    d.Properties,
		LastModified:  d.LastModified,
		EffectiveFrom: d.EffectiveFrom,
		EffectiveTo:   d.EffectiveTo,
		Deleted:       d.Deleted,
	}
}

type ChangeType string

const (
	ChangeTypeNew      ChangeType = "new"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// FieldDelta is the before/after pair for one changed field.
type FieldDelta struct {
	Old Value `json:"old"`
	New Value `json:"new"`
}

// ChangeRecord is one append-only audit entry. Only modified records carry Changes.
type ChangeRecord struct {
	ID           string                `json:"id"`
	EntityID     string                `json:"entityId"`
	Kind         string                `json:"kind"`
	ChangeType   ChangeType            `json:"changeType"`
	EventTime    time.Time             `json:"eventTime"`
	PartitionKey string                `json:"partitionKey"`
	RunID        string                `json:"runId"`
	Changes      map[string]FieldDelta `json:"changes,omitempty"`
	TTL          *int                  `json:"ttl,omitempty"`
}
