package evalwatch

import (
	"errors"
	"fmt"
	"strings"
)

// Scope identifies the evaluations of one tenant's system, the unit a
// dashboard screen shows.
//
// Scope is immutable after creation via [NewScope].
type Scope struct {
	name   string
	tenant string
	system string
}

// NewScope creates a [Scope].
//
// name is the display name and must be unique within a [Watcher]; tenant
// and system address the evaluation list in the backend API.
//
// Example:
//
//	scope, err := evalwatch.NewScope("Billing", "acme", "billing-api")
func NewScope(name, tenant, system string) (Scope, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Scope{}, errors.New("scope name cannot be empty")
	}
	if strings.TrimSpace(tenant) == "" {
		return Scope{}, fmt.Errorf("scope %q: tenant cannot be empty", name)
	}
	if strings.TrimSpace(system) == "" {
		return Scope{}, fmt.Errorf("scope %q: system cannot be empty", name)
	}
	return Scope{name: name, tenant: tenant, system: system}, nil
}

// Name returns the scope's display name.
func (s Scope) Name() string {
	return s.name
}

// Tenant returns the tenant the scope belongs to.
func (s Scope) Tenant() string {
	return s.tenant
}

// System returns the system whose evaluations the scope covers.
func (s Scope) System() string {
	return s.system
}

// String returns "name (tenant/system)".
func (s Scope) String() string {
	return fmt.Sprintf("%s (%s/%s)", s.name, s.tenant, s.system)
}
