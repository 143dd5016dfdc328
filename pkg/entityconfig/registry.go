package entityconfig

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Registry holds the validated configuration of every entity kind.
type Registry struct {
	kinds map[string]*models.EntityTypeConfig
}

// NewRegistry validates and indexes configs by name.
func NewRegistry(configs ...*models.EntityTypeConfig) (*Registry, error) {
	r := &Registry{kinds: make(map[string]*models.EntityTypeConfig, len(configs))}
	for _, cfg := range configs {
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		if _, dup := r.kinds[cfg.Name]; dup {
			return nil, fmt.Errorf("entity kind %q is defined more than once", cfg.Name)
		}
		cfg.Prepare()
		r.kinds[cfg.Name] = cfg
	}
	if err := validateSharedContainers(configs); err != nil {
		return nil, err
	}
	return r, nil
}

// validateSharedContainers requires kinds sharing a documents container to be told apart
// by a discriminator: each needs a key and a pinned value no other kind there uses.
func validateSharedContainers(configs []*models.EntityTypeConfig) error {
	byContainer := map[string][]*models.EntityTypeConfig{}
	for _, cfg := range configs {
		container := cfg.Destinations.Documents
		byContainer[container] = append(byContainer[container], cfg)
	}

	var problems []string
	for container, kinds := range byContainer {
		if len(kinds) < 2 {
			continue
		}
		names := ectolinq.Map(kinds, func(cfg *models.EntityTypeConfig) string { return cfg.Name })
		sort.Strings(names)

		owners := map[string]string{}
		for _, cfg := range kinds {
			value := cfg.Discriminator.Value
			switch {
			case cfg.Discriminator.Key == "" || value == "":
				problems = append(problems, fmt.Sprintf("entity kind %q shares container %q with %s and needs a discriminator key and value",
					cfg.Name, container, strings.Join(names, ", ")))
			case owners[value] != "":
				problems = append(problems, fmt.Sprintf("entity kinds %q and %q both use discriminator value %q in container %q",
					owners[value], cfg.Name, value, container))
			default:
				owners[value] = cfg.Name
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// LoadDir reads every .yaml, .yml and .json file of a directory, one kind per file.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity config directory %s: %w", dir, err)
	}

	var configs []*models.EntityTypeConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		cfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return NewRegistry(configs...)
}

// LoadFile parses one entity kind definition. JSON files parse as YAML.
func LoadFile(path string) (*models.EntityTypeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg models.EntityTypeConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Get returns the config of a kind or a 404 error.
func (r *Registry) Get(name string) (*models.EntityTypeConfig, error) {
	cfg, ok := r.kinds[name]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "entity kind %q is not configured", name)
	}
	return cfg, nil
}

// Names returns the configured kind names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every config ordered by name.
func (r *Registry) All() []*models.EntityTypeConfig {
	out := make([]*models.EntityTypeConfig, 0, len(r.kinds))
	for _, name := range r.Names() {
		out = append(out, r.kinds[name])
	}
	return out
}

// Validate checks struct tags and the cross-field rules of a kind definition.
func Validate(cfg *models.EntityTypeConfig) error {
	if cfg == nil {
		return errors.New("entity config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("entity kind %q: %w", cfg.Name, validationError(err))
	}

	var problems []string
	projected := map[string]bool{}
	for output, input := range cfg.Projection {
		if models.ReservedFields[output] {
			problems = append(problems, fmt.Sprintf("projection output %q is a reserved field", output))
		}
		if cfg.Discriminator.Key != "" && output == cfg.Discriminator.Key {
			problems = append(problems, fmt.Sprintf("projection output %q collides with the discriminator key", output))
		}
		if input == "" {
			problems = append(problems, fmt.Sprintf("projection output %q has no source field", output))
		}
		projected[input] = true
	}
	for _, field := range cfg.CompareFields {
		if !projected[field] {
			problems = append(problems, fmt.Sprintf("compare field %q is not projected", field))
		}
	}
	for _, field := range cfg.ComplexFields {
		if !ectolinq.Contains(cfg.CompareFields, field) {
			problems = append(problems, fmt.Sprintf("complex field %q is not a compare field", field))
		}
	}
	for _, field := range cfg.OrderInsensitiveFields {
		if !ectolinq.Contains(cfg.ComplexFields, field) {
			problems = append(problems, fmt.Sprintf("order-insensitive field %q is not a complex field", field))
		}
	}
	if cfg.Discriminator.Value != "" && cfg.Discriminator.Key == "" {
		problems = append(problems, "discriminator value requires a discriminator key")
	}
	if cfg.ChangeLog.Enabled && cfg.Destinations.ChangeLog == "" {
		problems = append(problems, "change log is enabled but destinations.change_log is empty")
	}
	if cfg.SoftDelete.Enabled && !cfg.WriteDeletes {
		problems = append(problems, "soft delete requires write_deletes")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("entity kind %q: %s", cfg.Name, strings.Join(problems, "; "))
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := ectolinq.Map([]validator.FieldError(verrs), func(fe validator.FieldError) string {
		return fmt.Sprintf("field '%s' failed rule '%s'", fe.Namespace(), fe.Tag())
	})
	return errors.New(strings.Join(msgs, "; "))
}
