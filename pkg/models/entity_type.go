package models

import "sort"

// EntityTypeConfig describes how one entity kind is reconciled and persisted.
// It is plain data loaded from configuration files.
type EntityTypeConfig struct {
	Name          string        `json:"name" yaml:"name" validate:"required"`
	Description   string        `json:"description,omitempty" yaml:"description"`
	IDField       string        `json:"id_field,omitempty" yaml:"id_field"`
	Discriminator Discriminator `json:"discriminator" yaml:"discriminator"`

	// CompareFields are source field names. A change outside this list is not detected.
	CompareFields []string `json:"compare_fields" yaml:"compare_fields" validate:"required,min=1,dive,required"`
	// ComplexFields are array/object valued fields compared by canonical form.
	ComplexFields []string `json:"complex_fields,omitempty" yaml:"complex_fields" validate:"dive,required"`
	// OrderInsensitiveFields are complex fields whose array element order is irrelevant.
	OrderInsensitiveFields []string `json:"order_insensitive_fields,omitempty" yaml:"order_insensitive_fields" validate:"dive,required"`

	// Projection maps output field name to source field name.
	Projection        map[string]string `json:"projection" yaml:"projection" validate:"required,min=1"`
	PartitionKeyField string            `json:"partition_key_field,omitempty" yaml:"partition_key_field"`

	WriteDeletes       bool             `json:"write_deletes" yaml:"write_deletes"`
	SoftDelete         SoftDeletePolicy `json:"soft_delete" yaml:"soft_delete"`
	DeleteDetection    bool             `json:"delete_detection" yaml:"delete_detection"`
	EmptySnapshotGuard bool             `json:"empty_snapshot_guard" yaml:"empty_snapshot_guard"`
	ChangeLog          ChangeLogPolicy  `json:"change_log" yaml:"change_log"`
	Destinations       Destinations     `json:"destinations" yaml:"destinations"`

	outputFor map[string]string
}

// Discriminator identifies the kind when several kinds share a container.
// Value, when set, pins the kind to a single discriminator value.
type Discriminator struct {
	Key   string `json:"key,omitempty" yaml:"key"`
	Value string `json:"value,omitempty" yaml:"value"`
}

type SoftDeletePolicy struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	TTLDays int  `json:"ttl_days,omitempty" yaml:"ttl_days" validate:"gte=0"`
}

type ChangeLogPolicy struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	Permanent bool `json:"permanent" yaml:"permanent"`
	TTLDays   int  `json:"ttl_days,omitempty" yaml:"ttl_days" validate:"gte=0"`
}

type Destinations struct {
	Documents string `json:"documents" yaml:"documents" validate:"required"`
	ChangeLog string `json:"change_log,omitempty" yaml:"change_log"`
}

// EntityIDField returns the source field that carries the entity id.
func (c *EntityTypeConfig) EntityIDField() string {
	if c.IDField == "" {
		return FieldID
	}
	return c.IDField
}

// IsComplex reports whether a field is compared by canonical form.
func (c *EntityTypeConfig) IsComplex(field string) bool {
	for _, f := range c.ComplexFields {
		if f == field {
			return true
		}
	}
	return false
}

// IsOrderInsensitive reports whether array element order of a field is irrelevant.
func (c *EntityTypeConfig) IsOrderInsensitive(field string) bool {
	for _, f := range c.OrderInsensitiveFields {
		if f == field {
			return true
		}
	}
	return false
}

// OutputFieldFor returns the output name a source field is projected to. When several
// outputs read the same source field the lexically smallest output name wins.
func (c *EntityTypeConfig) OutputFieldFor(sourceField string) (string, bool) {
	if c.outputFor == nil {
		c.buildOutputIndex()
	}
	out, ok := c.outputFor[sourceField]
	return out, ok
}

func (c *EntityTypeConfig) buildOutputIndex() {
	outputs := make([]string, 0, len(c.Projection))
	for out := range c.Projection {
		outputs = append(outputs, out)
	}
	sort.Strings(outputs)

	index := make(map[string]string, len(outputs))
	for _, out := range outputs {
		in := c.Projection[out]
		if _, seen := index[in]; !seen {
			index[in] = out
		}
	}
	c.outputFor = index
}

// Prepare builds derived lookups. Call once after loading and before sharing the config
// across goroutines.
func (c *EntityTypeConfig) Prepare() {
	c.buildOutputIndex()
}
