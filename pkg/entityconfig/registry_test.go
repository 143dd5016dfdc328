package entityconfig

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *models.EntityTypeConfig {
	return &models.EntityTypeConfig{
		Name:                   "groups",
		Discriminator:          models.Discriminator{Key: "type", Value: "group"},
		CompareFields:          []string{"displayName", "members"},
		ComplexFields:          []string{"members"},
		OrderInsensitiveFields: []string{"members"},
		Projection:             map[string]string{"name": "displayName", "members": "members"},
		WriteDeletes:           true,
		SoftDelete:             models.SoftDeletePolicy{Enabled: true, TTLDays: 90},
		ChangeLog:              models.ChangeLogPolicy{Enabled: true, Permanent: true},
		Destinations:           models.Destinations{Documents: "principals", ChangeLog: "changes"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *models.EntityTypeConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*models.EntityTypeConfig) {}},
		{name: "missing name", mutate: func(cfg *models.EntityTypeConfig) { cfg.Name = "" }, wantErr: "Name"},
		{name: "no compare fields", mutate: func(cfg *models.EntityTypeConfig) { cfg.CompareFields = nil }, wantErr: "CompareFields"},
		{name: "missing documents destination", mutate: func(cfg *models.EntityTypeConfig) { cfg.Destinations.Documents = "" }, wantErr: "Documents"},
		{
			name:    "compare field not projected",
			mutate:  func(cfg *models.EntityTypeConfig) { cfg.CompareFields = append(cfg.CompareFields, "mail") },
			wantErr: `compare field "mail" is not projected`,
		},
		{
			name:    "reserved output",
			mutate:  func(cfg *models.EntityTypeConfig) { cfg.Projection["ttl"] = "ttl" },
			wantErr: `projection output "ttl" is a reserved field`,
		},
		{
			name:    "discriminator collision",
			mutate:  func(cfg *models.EntityTypeConfig) { cfg.Projection["type"] = "type" },
			wantErr: "collides with the discriminator key",
		},
		{
			name:    "order insensitive must be complex",
			mutate:  func(cfg *models.EntityTypeConfig) { cfg.OrderInsensitiveFields = []string{"displayName"} },
			wantErr: `order-insensitive field "displayName" is not a complex field`,
		},
		{
			name:    "change log destination",
			mutate:  func(cfg *models.EntityTypeConfig) { cfg.Destinations.ChangeLog = "" },
			wantErr: "destinations.change_log is empty",
		},
		{
			name:    "discriminator value without key",
			mutate:  func(cfg *models.EntityTypeConfig) { cfg.Discriminator.Key = "" },
			wantErr: "discriminator value requires a discriminator key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "groups.yaml"), []byte(`
name: groups
discriminator:
  key: type
  value: group
compare_fields: [displayName, members]
complex_fields: [members]
order_insensitive_fields: [members]
projection:
  name: displayName
  members: members
write_deletes: true
soft_delete:
  enabled: true
  ttl_days: 90
delete_detection: true
empty_snapshot_guard: true
destinations:
  documents: principals
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices.json"), []byte(`{
  "name": "devices",
  "compare_fields": ["os"],
  "projection": {"os": "os"},
  "destinations": {"documents": "devices"}
}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	registry, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"devices", "groups"}, registry.Names())

	groups, err := registry.Get("groups")
	require.NoError(t, err)
	assert.True(t, groups.IsOrderInsensitive("members"))
	out, ok := groups.OutputFieldFor("displayName")
	assert.True(t, ok)
	assert.Equal(t, "name", out)

	_, err = registry.Get("unknown")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestLoadDir_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: bad
compare_feilds: [x]
`), 0o600))

	_, err := LoadDir(dir)
	assert.Error(t, err)
}

func TestLoadDir_ShippedConfigs(t *testing.T) {
	registry, err := LoadDir(filepath.Join("..", "..", "config", "entitytypes"))
	require.NoError(t, err)
	assert.Contains(t, registry.Names(), "users")
	assert.Contains(t, registry.Names(), "relationships")
}

func TestNewRegistry_DuplicateNames(t *testing.T) {
	_, err := NewRegistry(validConfig(), validConfig())
	assert.ErrorContains(t, err, "more than once")
}

func TestNewRegistry_SharedContainer(t *testing.T) {
	kind := func(name, key, value, container string) *models.EntityTypeConfig {
		cfg := validConfig()
		cfg.Name = name
		cfg.Discriminator = models.Discriminator{Key: key, Value: value}
		cfg.Destinations.Documents = container
		return cfg
	}

	tests := []struct {
		name    string
		configs []*models.EntityTypeConfig
		wantErr string
	}{
		{
			name:    "distinct pinned values",
			configs: []*models.EntityTypeConfig{kind("users", "type", "user", "principals"), kind("groups", "type", "group", "principals")},
		},
		{
			name:    "keyless kinds in their own containers",
			configs: []*models.EntityTypeConfig{kind("devices", "", "", "devices"), kind("apps", "", "", "apps")},
		},
		{
			name:    "keyed unpinned kind alone",
			configs: []*models.EntityTypeConfig{kind("relationships", "relationshipType", "", "relationships"), kind("users", "type", "user", "principals")},
		},
		{
			name:    "keyless kind shares a container",
			configs: []*models.EntityTypeConfig{kind("users", "type", "user", "principals"), kind("devices", "", "", "principals")},
			wantErr: `entity kind "devices" shares container "principals"`,
		},
		{
			name:    "unpinned kind shares a container",
			configs: []*models.EntityTypeConfig{kind("users", "type", "user", "principals"), kind("relationships", "relationshipType", "", "principals")},
			wantErr: `entity kind "relationships" shares container "principals"`,
		},
		{
			name:    "same pinned value",
			configs: []*models.EntityTypeConfig{kind("users", "type", "user", "principals"), kind("people", "type", "user", "principals")},
			wantErr: `both use discriminator value "user"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.configs...)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
