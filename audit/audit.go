// Package audit records the append-only audit trail. Entries are written
// in the same transaction as the mutation they describe, so the trail
// never references state that was rolled back.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/telemetry"
)

// Queries never return more than this many entries per page.
const maxLimit = 500

const defaultLimit = 100

type (
	// Options configures the audit service.
	Options struct {
		Store  store.Store
		Logger telemetry.Logger
	}

	// Service records and queries audit entries.
	Service struct {
		store store.Store
		log   telemetry.Logger

		clock func() time.Time
	}

	// Entry describes one mutation to record.
	Entry struct {
		UserID        string
		Action        string
		Module        string
		EntityType    string
		EntityID      string
		PreviousValue string
		NewValue      string
	}
)

// New validates the options and builds the service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Service{store: opts.Store, log: log, clock: time.Now}, nil
}

// Record appends one entry using the caller's context, so a Record inside
// WithTransaction commits or rolls back with the surrounding mutation.
func (s *Service) Record(ctx context.Context, e Entry) error {
	if e.Action == "" {
		return domain.E(domain.KindValidation, "action is required")
	}
	if e.EntityType == "" || e.EntityID == "" {
		return domain.E(domain.KindValidation, "entity reference is required")
	}
	return s.store.AuditLogs().Insert(ctx, domain.AuditLog{
		ID:            domain.NewID(),
		UserID:        e.UserID,
		Action:        e.Action,
		Module:        e.Module,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		PreviousValue: e.PreviousValue,
		NewValue:      e.NewValue,
		CreatedAt:     s.clock(),
	})
}

// WithAudit runs fn in a store transaction and records the entry in the
// same transaction when fn succeeds.
func (s *Service) WithAudit(ctx context.Context, e Entry, fn func(ctx context.Context) error) error {
	return s.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return s.Record(ctx, e)
	})
}

// Query returns the newest matching entries first. Limits are clamped to
// the service maximum; a zero limit gets the default page size.
func (s *Service) Query(ctx context.Context, f store.AuditFilter) ([]domain.AuditLog, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	return s.store.AuditLogs().List(ctx, f)
}

// EntityHistory returns the latest n entries for one entity.
func (s *Service) EntityHistory(ctx context.Context, entityType, entityID string, n int) ([]domain.AuditLog, error) {
	return s.Query(ctx, store.AuditFilter{EntityType: entityType, EntityID: entityID, Limit: n})
}
