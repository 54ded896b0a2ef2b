// Package domain defines the entities, enumerations and error taxonomy of
// the cutting production core. Entities are plain value structs persisted
// through the store ports; all IDs are opaque UUID strings and every
// per-tenant entity carries its TenantID.
package domain

import "github.com/google/uuid"

// NewID mints an opaque entity identifier.
func NewID() string {
	return uuid.NewString()
}
