// Package locks implements exclusive, pessimistic, time-bounded edit
// leases on documents. The store's unique key on
// (tenant, document type, document id) linearizes concurrent acquirers; a
// background reaper removes expired rows.
package locks

import (
	"context"
	"errors"
	"time"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/telemetry"
	"github.com/cutfactor/cutcore/tenant"
)

type (
	// Options configures the lock service.
	Options struct {
		Store   store.Store
		Bus     *events.Bus
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Config  config.Locks
	}

	// Service manages document leases.
	Service struct {
		store   store.Store
		bus     *events.Bus
		log     telemetry.Logger
		metrics telemetry.Metrics
		lease   time.Duration
		reap    time.Duration

		clock func() time.Time
	}

	// Status is the externally visible state of one lock key.
	Status struct {
		Locked    bool
		HolderID  string
		LockedAt  time.Time
		ExpiresAt time.Time
	}
)

// New validates the options and builds the service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	lease := opts.Config.Lease()
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	reap := opts.Config.ReapInterval()
	if reap <= 0 {
		reap = time.Minute
	}
	return &Service{
		store:   opts.Store,
		bus:     opts.Bus,
		log:     log,
		metrics: metrics,
		lease:   lease,
		reap:    reap,
		clock:   time.Now,
	}, nil
}

// Acquire takes the lease for userID. A live lock held by anyone fails
// with ALREADY_LOCKED carrying the holder identity and expiry. An expired
// row for the same key is removed first, so a stale lock never blocks.
func (s *Service) Acquire(ctx context.Context, docType domain.LockableDocumentType, docID, userID, metadata string) (domain.DocumentLock, error) {
	now := s.clock()
	lock := domain.DocumentLock{
		DocumentType:   docType,
		DocumentID:     docID,
		LockedByUserID: userID,
		LockedAt:       now,
		ExpiresAt:      now.Add(s.lease),
		MetadataJSON:   metadata,
	}
	err := s.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.Locks().DeleteExpired(ctx, docType, docID, now); err != nil {
			return err
		}
		return s.store.Locks().Insert(ctx, lock)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindDuplicate) {
			return domain.DocumentLock{}, s.alreadyLocked(ctx, docType, docID)
		}
		return domain.DocumentLock{}, err
	}

	s.metrics.IncCounter("locks.acquired", 1, "doc_type", string(docType))
	s.publish(ctx, events.TypeLockAcquired, lock, false)
	return lock, nil
}

// alreadyLocked builds the ALREADY_LOCKED failure from the current row.
func (s *Service) alreadyLocked(ctx context.Context, docType domain.LockableDocumentType, docID string) error {
	e := domain.Ef(domain.KindAlreadyLocked, "%s/%s is locked", docType, docID)
	if current, err := s.store.Locks().Get(ctx, docType, docID); err == nil {
		e.WithDetail("holderId", current.LockedByUserID).
			WithDetail("expiresAt", current.ExpiresAt)
	}
	return e
}

// Release drops the lease when held by userID. It reports false when the
// lock is not held or held by someone else.
func (s *Service) Release(ctx context.Context, docType domain.LockableDocumentType, docID, userID string) (bool, error) {
	ok, err := s.store.Locks().Delete(ctx, docType, docID, userID)
	if err != nil || !ok {
		return false, err
	}
	s.publish(ctx, events.TypeLockReleased, domain.DocumentLock{
		DocumentType:   docType,
		DocumentID:     docID,
		LockedByUserID: userID,
	}, false)
	return true, nil
}

// ForceRelease drops the lease regardless of holder and records an audit
// row in the same transaction.
func (s *Service) ForceRelease(ctx context.Context, docType domain.LockableDocumentType, docID, byUserID string) (bool, error) {
	var removed bool
	var holder string
	err := s.store.WithTransaction(ctx, func(ctx context.Context) error {
		if current, err := s.store.Locks().Get(ctx, docType, docID); err == nil {
			holder = current.LockedByUserID
		}
		ok, err := s.store.Locks().Delete(ctx, docType, docID, "")
		if err != nil || !ok {
			removed = false
			return err
		}
		removed = true
		return s.store.AuditLogs().Insert(ctx, domain.AuditLog{
			ID:            domain.NewID(),
			UserID:        byUserID,
			Action:        "lock.force_release",
			Module:        "locks",
			EntityType:    string(docType),
			EntityID:      docID,
			PreviousValue: holder,
			CreatedAt:     s.clock(),
		})
	})
	if err != nil || !removed {
		return false, err
	}
	s.publish(ctx, events.TypeLockReleased, domain.DocumentLock{
		DocumentType:   docType,
		DocumentID:     docID,
		LockedByUserID: holder,
	}, true)
	return true, nil
}

// Refresh extends the holder's lease by a full window. It reports false
// when the lock is missing, expired or held by someone else.
func (s *Service) Refresh(ctx context.Context, docType domain.LockableDocumentType, docID, userID string) (bool, error) {
	now := s.clock()
	return s.store.Locks().Refresh(ctx, docType, docID, userID, now.Add(s.lease), now)
}

// GetStatus reports the current state of the key. An expired row reads as
// unlocked.
func (s *Service) GetStatus(ctx context.Context, docType domain.LockableDocumentType, docID string) (Status, error) {
	lock, err := s.store.Locks().Get(ctx, docType, docID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return Status{}, nil
		}
		return Status{}, err
	}
	if !lock.Live(s.clock()) {
		return Status{}, nil
	}
	return Status{
		Locked:    true,
		HolderID:  lock.LockedByUserID,
		LockedAt:  lock.LockedAt,
		ExpiresAt: lock.ExpiresAt,
	}, nil
}

// IsLocked reports whether a live lock exists for the key.
func (s *Service) IsLocked(ctx context.Context, docType domain.LockableDocumentType, docID string) (bool, error) {
	st, err := s.GetStatus(ctx, docType, docID)
	return st.Locked, err
}

// CanEdit reports whether userID may edit the document: the key is either
// unlocked or held by that user.
func (s *Service) CanEdit(ctx context.Context, docType domain.LockableDocumentType, docID, userID string) (bool, error) {
	st, err := s.GetStatus(ctx, docType, docID)
	if err != nil {
		return false, err
	}
	return !st.Locked || st.HolderID == userID, nil
}

// GetUserLocks lists the locks held by userID, live ones only.
func (s *Service) GetUserLocks(ctx context.Context, userID string) ([]domain.DocumentLock, error) {
	all, err := s.store.Locks().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	live := all[:0]
	for _, lock := range all {
		if lock.Live(now) {
			live = append(live, lock)
		}
	}
	return live, nil
}

// ReleaseAllUserLocks drops every lease held by userID and returns the
// number released.
func (s *Service) ReleaseAllUserLocks(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.Locks().DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info(ctx, "released user locks", "user_id", userID, "count", n)
	}
	return n, nil
}

// CleanupExpiredLocks removes every expired row for the ambient tenant and
// returns the count reaped.
func (s *Service) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	n, err := s.store.Locks().DeleteAllExpired(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.IncCounter("locks.reaped", float64(n))
		s.log.Info(ctx, "reaped expired locks", "count", n)
	}
	return n, nil
}

// RunReaper periodically reaps expired locks for the given tenants until
// ctx is done.
func (s *Service) RunReaper(ctx context.Context, tenantIDs []string) {
	ticker := time.NewTicker(s.reap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tid := range tenantIDs {
				if _, err := s.CleanupExpiredLocks(tenant.WithTenant(ctx, tid)); err != nil {
					s.log.Error(ctx, "lock reaper failed", "tenant_id", tid, "err", err)
				}
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, eventType string, lock domain.DocumentLock, forced bool) {
	tid, _ := tenant.MaybeFromContext(ctx)
	payload := events.LockChanged{
		DocumentType: string(lock.DocumentType),
		DocumentID:   lock.DocumentID,
		UserID:       lock.LockedByUserID,
		Forced:       forced,
	}
	if !lock.ExpiresAt.IsZero() {
		payload.ExpiresAt = lock.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.bus.Publish(ctx, events.Event{
		Type:        eventType,
		Aggregate:   string(lock.DocumentType),
		AggregateID: lock.DocumentID,
		TenantID:    tid,
		Payload:     payload,
	})
}
