package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

// Directory lists the tenants this process should serve.
type Directory interface {
	List(ctx context.Context) ([]Tenant, error)
	Get(ctx context.Context, token string) (Tenant, bool, error)
}

// StaticDirectory serves a fixed, mutable tenant list.
type StaticDirectory struct {
	mu      sync.RWMutex
	tenants []Tenant
}

func NewStaticDirectory(tenants ...Tenant) *StaticDirectory {
	return &StaticDirectory{tenants: tenants}
}

func (d *StaticDirectory) List(context.Context) ([]Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Tenant(nil), d.tenants...), nil
}

func (d *StaticDirectory) Get(_ context.Context, token string) (Tenant, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range d.tenants {
		if t.Token == token {
			return t, true, nil
		}
	}
	return Tenant{}, false, nil
}

// Set replaces the tenant list.
func (d *StaticDirectory) Set(tenants ...Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants = tenants
}

// YAMLDirectory reads tenants from a YAML file with a top-level "tenants"
// list on every call, so edits are picked up by the next refresh.
type YAMLDirectory struct {
	Path string
}

type tenantFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// ParseTenants decodes and validates a tenants document.
func ParseTenants(data []byte) ([]Tenant, error) {
	var f tenantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tenants: %w", err)
	}
	seen := make(map[string]bool, len(f.Tenants))
	var errs []error
	for i, t := range f.Tenants {
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("tenant %d: token is required", i))
			continue
		}
		if seen[t.Token] {
			errs = append(errs, fmt.Errorf("duplicate tenant token %q", t.Token))
		}
		seen[t.Token] = true
		ids := make(map[string]bool, len(t.Connectors))
		for _, c := range t.Connectors {
			if ids[c.ID] {
				errs = append(errs, fmt.Errorf("tenant %q: duplicate connector id %q", t.Token, c.ID))
			}
			ids[c.ID] = true
			if err := c.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("tenant %q: %w", t.Token, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	return f.Tenants, nil
}

func (d YAMLDirectory) List(context.Context) ([]Tenant, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("read tenants: %w", err)
	}
	return ParseTenants(data)
}

func (d YAMLDirectory) Get(ctx context.Context, token string) (Tenant, bool, error) {
	tenants, err := d.List(ctx)
	if err != nil {
		return Tenant{}, false, err
	}
	for _, t := range tenants {
		if t.Token == token {
			return t, true, nil
		}
	}
	return Tenant{}, false, nil
}
