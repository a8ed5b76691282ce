package tenant

import "errors"

var (
	// ErrTenantNotFound is returned when tenant is absent from the registry.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantNotActive is returned when tenant exists but is not active.
	ErrTenantNotActive = errors.New("tenant is not active")

	// ErrRegistryUnavailable is returned when the registry entry is missing or unparseable.
	// Callers treat it as "zero tenants this pass".
	ErrRegistryUnavailable = errors.New("tenant registry unavailable")

	// ErrMaxPoolLimit is returned when tenant manager reached pool limit.
	ErrMaxPoolLimit = errors.New("max tenant pool limit reached")
)
