// Package store defines the persistence ports of the cutting core. Every
// implementation derives the tenant filter from the ambient tenant context
// on each read and write; see the tenant package.
package store

import (
	"context"
	"time"

	"github.com/cutfactor/cutcore/domain"
)

// Store aggregates the per-entity repositories. WithTransaction runs fn
// atomically: either every write inside fn is visible afterwards or none
// is.
type Store interface {
	Stocks() Stocks
	Orders() Orders
	OrderItems() OrderItems
	Jobs() Jobs
	JobItems() JobItems
	Scenarios() Scenarios
	Plans() Plans
	PlanStocks() PlanStocks
	ProductionLogs() ProductionLogs
	Locks() Locks
	Activities() Activities
	ActivityReads() ActivityReads
	AuditLogs() AuditLogs
	Notifications() Notifications
	Preferences() Preferences
	Users() Users

	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type (
	// Stocks manages inventory. Reserve and Release guard the invariant
	// reserved <= quantity and fail with CONFLICT when violated.
	Stocks interface {
		Insert(ctx context.Context, item domain.StockItem) error
		Get(ctx context.Context, id string) (domain.StockItem, error)
		ListForMaterial(ctx context.Context, materialTypeID string, stockType domain.StockType, thickness int64) ([]domain.StockItem, error)
		Reserve(ctx context.Context, id string, qty int) error
		Release(ctx context.Context, id string, qty int) error
		Consume(ctx context.Context, id string, qty int) error
	}

	// Orders manages customer orders. OrderNumber is unique per tenant.
	Orders interface {
		Insert(ctx context.Context, order domain.Order) error
		Get(ctx context.Context, id string) (domain.Order, error)
		UpdateStatus(ctx context.Context, id, status string) error
	}

	OrderItems interface {
		Insert(ctx context.Context, item domain.OrderItem) error
		Get(ctx context.Context, id string) (domain.OrderItem, error)
		ListByIDs(ctx context.Context, ids []string) ([]domain.OrderItem, error)
	}

	// Jobs manages cutting jobs. Transition moves the job from one status
	// to another atomically; a stale from status fails with INVALID_STATE.
	Jobs interface {
		Insert(ctx context.Context, job domain.CuttingJob) error
		Get(ctx context.Context, id string) (domain.CuttingJob, error)
		Transition(ctx context.Context, id string, from, to domain.JobStatus) error
	}

	JobItems interface {
		Insert(ctx context.Context, item domain.CuttingJobItem) error
		ListByJob(ctx context.Context, jobID string) ([]domain.CuttingJobItem, error)
	}

	Scenarios interface {
		Insert(ctx context.Context, sc domain.OptimizationScenario) error
		Get(ctx context.Context, id string) (domain.OptimizationScenario, error)
		SetStatus(ctx context.Context, id, status string) error
		ListByJob(ctx context.Context, jobID string) ([]domain.OptimizationScenario, error)
	}

	Plans interface {
		Insert(ctx context.Context, plan domain.CuttingPlan) error
		Get(ctx context.Context, id string) (domain.CuttingPlan, error)
		ListByScenario(ctx context.Context, scenarioID string) ([]domain.CuttingPlan, error)
		SetStatus(ctx context.Context, id string, status domain.PlanStatus, approvedBy string, at time.Time) error
		Count(ctx context.Context) (int64, error)
	}

	PlanStocks interface {
		InsertMany(ctx context.Context, rows []domain.CuttingPlanStock) error
		ListByPlan(ctx context.Context, planID string) ([]domain.CuttingPlanStock, error)
	}

	ProductionLogs interface {
		Insert(ctx context.Context, log domain.ProductionLog) error
		Get(ctx context.Context, id string) (domain.ProductionLog, error)
		Update(ctx context.Context, log domain.ProductionLog) error
		ListByPlan(ctx context.Context, planID string) ([]domain.ProductionLog, error)
	}

	// Locks manages edit leases. Insert enforces the unique
	// (tenant, document type, document id) key and fails with DUPLICATE
	// when a row exists regardless of expiry; callers delete the expired
	// row first.
	Locks interface {
		Insert(ctx context.Context, lock domain.DocumentLock) error
		Get(ctx context.Context, docType domain.LockableDocumentType, docID string) (domain.DocumentLock, error)
		// Delete removes the lock when held by holderID; an empty holderID
		// removes unconditionally. Reports whether a row was removed.
		Delete(ctx context.Context, docType domain.LockableDocumentType, docID, holderID string) (bool, error)
		// DeleteExpired removes the row for the key only when expired at now.
		DeleteExpired(ctx context.Context, docType domain.LockableDocumentType, docID string, now time.Time) error
		// Refresh extends the holder's live lock to expiresAt. Reports false
		// when the lock is missing, expired at now or held by someone else.
		Refresh(ctx context.Context, docType domain.LockableDocumentType, docID, holderID string, expiresAt, now time.Time) (bool, error)
		ListByUser(ctx context.Context, userID string) ([]domain.DocumentLock, error)
		DeleteByUser(ctx context.Context, userID string) (int64, error)
		DeleteAllExpired(ctx context.Context, now time.Time) (int64, error)
	}

	// ActivityFilter narrows activity queries. Zero-valued fields match
	// everything.
	ActivityFilter struct {
		ActorID    string
		TargetType string
		TargetID   string
		Since      time.Time
		Limit      int
		Offset     int
	}

	Activities interface {
		Insert(ctx context.Context, act domain.Activity) error
		// List returns the newest matching activities first.
		List(ctx context.Context, f ActivityFilter) ([]domain.Activity, error)
	}

	ActivityReads interface {
		// MarkRead is idempotent per (user, activity).
		MarkRead(ctx context.Context, userID, activityID string, at time.Time) error
		ReadIDs(ctx context.Context, userID string) ([]string, error)
	}

	// AuditFilter narrows audit queries. Zero-valued fields match
	// everything.
	AuditFilter struct {
		EntityType string
		EntityID   string
		UserID     string
		Action     string
		Module     string
		Start      time.Time
		End        time.Time
		Limit      int
		Offset     int
	}

	AuditLogs interface {
		Insert(ctx context.Context, log domain.AuditLog) error
		// List returns the newest matching entries first.
		List(ctx context.Context, f AuditFilter) ([]domain.AuditLog, error)
	}

	Notifications interface {
		Insert(ctx context.Context, n domain.Notification) error
		Update(ctx context.Context, n domain.Notification) error
		ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	}

	Preferences interface {
		// Get reports false when the user has no stored preferences.
		Get(ctx context.Context, userID string) (domain.NotificationPreferences, bool, error)
		Upsert(ctx context.Context, prefs domain.NotificationPreferences) error
	}

	// Users manages tenant members. Email is unique per tenant; Insert
	// fails with DUPLICATE.
	Users interface {
		Insert(ctx context.Context, u domain.User) error
		Get(ctx context.Context, id string) (domain.User, error)
		ListByIDs(ctx context.Context, ids []string) ([]domain.User, error)
	}
)
