// Package inmem provides an in-memory Store used by tests and local
// development. Transactions take a snapshot of the whole state and restore
// it when the transaction function fails.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/tenant"
)

type (
	lockKey struct {
		tenant  string
		docType domain.LockableDocumentType
		docID   string
	}

	readKey struct {
		user     string
		activity string
	}

	prefKey struct {
		tenant string
		user   string
	}

	state struct {
		stocks         map[string]domain.StockItem
		orders         map[string]domain.Order
		orderItems     map[string]domain.OrderItem
		jobs           map[string]domain.CuttingJob
		jobItems       map[string]domain.CuttingJobItem
		scenarios      map[string]domain.OptimizationScenario
		plans          map[string]domain.CuttingPlan
		planStocks     map[string]domain.CuttingPlanStock
		productionLogs map[string]domain.ProductionLog
		locks          map[lockKey]domain.DocumentLock
		activities     []domain.Activity
		activityReads  map[readKey]domain.ActivityRead
		auditLogs      []domain.AuditLog
		notifications  map[string]domain.Notification
		preferences    map[prefKey]domain.NotificationPreferences
		users          map[string]domain.User
	}
)

func newState() *state {
	return &state{
		stocks:         map[string]domain.StockItem{},
		orders:         map[string]domain.Order{},
		orderItems:     map[string]domain.OrderItem{},
		jobs:           map[string]domain.CuttingJob{},
		jobItems:       map[string]domain.CuttingJobItem{},
		scenarios:      map[string]domain.OptimizationScenario{},
		plans:          map[string]domain.CuttingPlan{},
		planStocks:     map[string]domain.CuttingPlanStock{},
		productionLogs: map[string]domain.ProductionLog{},
		locks:          map[lockKey]domain.DocumentLock{},
		activityReads:  map[readKey]domain.ActivityRead{},
		notifications:  map[string]domain.Notification{},
		preferences:    map[prefKey]domain.NotificationPreferences{},
		users:          map[string]domain.User{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.stocks {
		c.stocks[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderItems {
		c.orderItems[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.jobItems {
		c.jobItems[k] = v
	}
	for k, v := range s.scenarios {
		c.scenarios[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.planStocks {
		c.planStocks[k] = v
	}
	for k, v := range s.productionLogs {
		c.productionLogs[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	c.activities = append([]domain.Activity(nil), s.activities...)
	for k, v := range s.activityReads {
		c.activityReads[k] = v
	}
	c.auditLogs = append([]domain.AuditLog(nil), s.auditLogs...)
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	for k, v := range s.preferences {
		c.preferences[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	return c
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

type txnKey struct{}

// enter serializes access. Calls made inside a transaction already hold
// the store lock and are recognized by the context marker.
func (s *Store) enter(ctx context.Context) func() {
	if ctx.Value(txnKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTransaction runs fn under the store lock against the live state and
// restores the pre-transaction snapshot when fn fails.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txnKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.st.clone()
	if err := fn(context.WithValue(ctx, txnKey{}, true)); err != nil {
		s.st = backup
		return err
	}
	return nil
}

func (s *Store) Stocks() store.Stocks                 { return stocks{s} }
func (s *Store) Orders() store.Orders                 { return orders{s} }
func (s *Store) OrderItems() store.OrderItems         { return orderItems{s} }
func (s *Store) Jobs() store.Jobs                     { return jobs{s} }
func (s *Store) JobItems() store.JobItems             { return jobItems{s} }
func (s *Store) Scenarios() store.Scenarios           { return scenarios{s} }
func (s *Store) Plans() store.Plans                   { return plans{s} }
func (s *Store) PlanStocks() store.PlanStocks         { return planStocks{s} }
func (s *Store) ProductionLogs() store.ProductionLogs { return productionLogs{s} }
func (s *Store) Locks() store.Locks                   { return locks{s} }
func (s *Store) Activities() store.Activities         { return activities{s} }
func (s *Store) ActivityReads() store.ActivityReads   { return activityReads{s} }
func (s *Store) AuditLogs() store.AuditLogs           { return auditLogs{s} }
func (s *Store) Notifications() store.Notifications   { return notifications{s} }
func (s *Store) Preferences() store.Preferences       { return preferences{s} }
func (s *Store) Users() store.Users                   { return users{s} }

type stocks struct{ s *Store }

func (r stocks) Insert(ctx context.Context, item domain.StockItem) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	item.TenantID = tid
	if err := item.Validate(); err != nil {
		return err
	}
	if _, ok := r.s.st.stocks[item.ID]; ok {
		return domain.Ef(domain.KindDuplicate, "stock item %s already exists", item.ID)
	}
	r.s.st.stocks[item.ID] = item
	return nil
}

func (r stocks) Get(ctx context.Context, id string) (domain.StockItem, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.StockItem{}, err
	}
	defer r.s.enter(ctx)()
	item, ok := r.s.st.stocks[id]
	if !ok || item.TenantID != tid {
		return domain.StockItem{}, domain.Ef(domain.KindNotFound, "stock item %s not found", id)
	}
	return item, nil
}

func (r stocks) ListForMaterial(ctx context.Context, materialTypeID string, stockType domain.StockType, thickness int64) ([]domain.StockItem, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.StockItem
	for _, item := range r.s.st.stocks {
		if item.TenantID == tid && item.MaterialTypeID == materialTypeID &&
			item.StockType == stockType && item.Thickness == thickness {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r stocks) Reserve(ctx context.Context, id string, qty int) error {
	return r.adjust(ctx, id, func(item *domain.StockItem) error {
		if item.Free() < qty {
			return domain.Ef(domain.KindConflict, "stock item %s has %d free, need %d", id, item.Free(), qty)
		}
		item.ReservedQty += qty
		return nil
	})
}

func (r stocks) Release(ctx context.Context, id string, qty int) error {
	return r.adjust(ctx, id, func(item *domain.StockItem) error {
		if item.ReservedQty < qty {
			return domain.Ef(domain.KindConflict, "stock item %s has %d reserved, cannot release %d", id, item.ReservedQty, qty)
		}
		item.ReservedQty -= qty
		return nil
	})
}

func (r stocks) Consume(ctx context.Context, id string, qty int) error {
	return r.adjust(ctx, id, func(item *domain.StockItem) error {
		if item.ReservedQty < qty || item.Quantity < qty {
			return domain.Ef(domain.KindConflict, "stock item %s cannot consume %d", id, qty)
		}
		item.Quantity -= qty
		item.ReservedQty -= qty
		return nil
	})
}

func (r stocks) adjust(ctx context.Context, id string, fn func(*domain.StockItem) error) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	item, ok := r.s.st.stocks[id]
	if !ok || item.TenantID != tid {
		return domain.Ef(domain.KindNotFound, "stock item %s not found", id)
	}
	if err := fn(&item); err != nil {
		return err
	}
	r.s.st.stocks[id] = item
	return nil
}

type orders struct{ s *Store }

func (r orders) Insert(ctx context.Context, order domain.Order) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	order.TenantID = tid
	for _, existing := range r.s.st.orders {
		if existing.TenantID == tid && existing.OrderNumber == order.OrderNumber {
			return domain.Ef(domain.KindDuplicate, "order number %s already exists", order.OrderNumber)
		}
	}
	r.s.st.orders[order.ID] = order
	return nil
}

func (r orders) Get(ctx context.Context, id string) (domain.Order, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	defer r.s.enter(ctx)()
	order, ok := r.s.st.orders[id]
	if !ok || order.TenantID != tid {
		return domain.Order{}, domain.Ef(domain.KindNotFound, "order %s not found", id)
	}
	return order, nil
}

func (r orders) UpdateStatus(ctx context.Context, id, status string) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	order, ok := r.s.st.orders[id]
	if !ok || order.TenantID != tid {
		return domain.Ef(domain.KindNotFound, "order %s not found", id)
	}
	order.Status = status
	r.s.st.orders[id] = order
	return nil
}

type orderItems struct{ s *Store }

func (r orderItems) Insert(ctx context.Context, item domain.OrderItem) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	item.TenantID = tid
	if err := item.Validate(); err != nil {
		return err
	}
	r.s.st.orderItems[item.ID] = item
	return nil
}

func (r orderItems) Get(ctx context.Context, id string) (domain.OrderItem, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.OrderItem{}, err
	}
	defer r.s.enter(ctx)()
	item, ok := r.s.st.orderItems[id]
	if !ok || item.TenantID != tid {
		return domain.OrderItem{}, domain.Ef(domain.KindNotFound, "order item %s not found", id)
	}
	return item, nil
}

func (r orderItems) ListByIDs(ctx context.Context, ids []string) ([]domain.OrderItem, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	out := make([]domain.OrderItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := r.s.st.orderItems[id]; ok && item.TenantID == tid {
			out = append(out, item)
		}
	}
	return out, nil
}

type jobs struct{ s *Store }

func (r jobs) Insert(ctx context.Context, job domain.CuttingJob) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	job.TenantID = tid
	for _, existing := range r.s.st.jobs {
		if existing.TenantID == tid && existing.JobNumber == job.JobNumber {
			return domain.Ef(domain.KindDuplicate, "job number %s already exists", job.JobNumber)
		}
	}
	r.s.st.jobs[job.ID] = job
	return nil
}

func (r jobs) Get(ctx context.Context, id string) (domain.CuttingJob, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.CuttingJob{}, err
	}
	defer r.s.enter(ctx)()
	job, ok := r.s.st.jobs[id]
	if !ok || job.TenantID != tid {
		return domain.CuttingJob{}, domain.Ef(domain.KindNotFound, "cutting job %s not found", id)
	}
	return job, nil
}

func (r jobs) Transition(ctx context.Context, id string, from, to domain.JobStatus) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	job, ok := r.s.st.jobs[id]
	if !ok || job.TenantID != tid {
		return domain.Ef(domain.KindNotFound, "cutting job %s not found", id)
	}
	if job.Status != from {
		return domain.Ef(domain.KindInvalidState, "cutting job %s is %s, expected %s", id, job.Status, from)
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	r.s.st.jobs[id] = job
	return nil
}

type jobItems struct{ s *Store }

func (r jobItems) Insert(ctx context.Context, item domain.CuttingJobItem) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	item.TenantID = tid
	r.s.st.jobItems[item.ID] = item
	return nil
}

func (r jobItems) ListByJob(ctx context.Context, jobID string) ([]domain.CuttingJobItem, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.CuttingJobItem
	for _, item := range r.s.st.jobItems {
		if item.TenantID == tid && item.CuttingJobID == jobID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type scenarios struct{ s *Store }

func (r scenarios) Insert(ctx context.Context, sc domain.OptimizationScenario) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	sc.TenantID = tid
	r.s.st.scenarios[sc.ID] = sc
	return nil
}

func (r scenarios) Get(ctx context.Context, id string) (domain.OptimizationScenario, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.OptimizationScenario{}, err
	}
	defer r.s.enter(ctx)()
	sc, ok := r.s.st.scenarios[id]
	if !ok || sc.TenantID != tid {
		return domain.OptimizationScenario{}, domain.Ef(domain.KindNotFound, "scenario %s not found", id)
	}
	return sc, nil
}

func (r scenarios) SetStatus(ctx context.Context, id, status string) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	sc, ok := r.s.st.scenarios[id]
	if !ok || sc.TenantID != tid {
		return domain.Ef(domain.KindNotFound, "scenario %s not found", id)
	}
	sc.Status = status
	r.s.st.scenarios[id] = sc
	return nil
}

func (r scenarios) ListByJob(ctx context.Context, jobID string) ([]domain.OptimizationScenario, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.OptimizationScenario
	for _, sc := range r.s.st.scenarios {
		if sc.TenantID == tid && sc.JobID == jobID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type plans struct{ s *Store }

func (r plans) Insert(ctx context.Context, plan domain.CuttingPlan) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	plan.TenantID = tid
	r.s.st.plans[plan.ID] = plan
	return nil
}

func (r plans) Get(ctx context.Context, id string) (domain.CuttingPlan, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.CuttingPlan{}, err
	}
	defer r.s.enter(ctx)()
	plan, ok := r.s.st.plans[id]
	if !ok || plan.TenantID != tid {
		return domain.CuttingPlan{}, domain.Ef(domain.KindNotFound, "plan %s not found", id)
	}
	return plan, nil
}

func (r plans) ListByScenario(ctx context.Context, scenarioID string) ([]domain.CuttingPlan, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.CuttingPlan
	for _, plan := range r.s.st.plans {
		if plan.TenantID == tid && plan.ScenarioID == scenarioID {
			out = append(out, plan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r plans) SetStatus(ctx context.Context, id string, status domain.PlanStatus, approvedBy string, at time.Time) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	plan, ok := r.s.st.plans[id]
	if !ok || plan.TenantID != tid {
		return domain.Ef(domain.KindNotFound, "plan %s not found", id)
	}
	plan.Status = status
	plan.ApprovedBy = approvedBy
	plan.ApprovedAt = &at
	r.s.st.plans[id] = plan
	return nil
}

func (r plans) Count(ctx context.Context) (int64, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	defer r.s.enter(ctx)()
	var n int64
	for _, plan := range r.s.st.plans {
		if plan.TenantID == tid {
			n++
		}
	}
	return n, nil
}

type planStocks struct{ s *Store }

func (r planStocks) InsertMany(ctx context.Context, rows []domain.CuttingPlanStock) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	for _, row := range rows {
		row.TenantID = tid
		r.s.st.planStocks[row.ID] = row
	}
	return nil
}

func (r planStocks) ListByPlan(ctx context.Context, planID string) ([]domain.CuttingPlanStock, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.CuttingPlanStock
	for _, row := range r.s.st.planStocks {
		if row.TenantID == tid && row.PlanID == planID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

type productionLogs struct{ s *Store }

func (r productionLogs) Insert(ctx context.Context, log domain.ProductionLog) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	log.TenantID = tid
	r.s.st.productionLogs[log.ID] = log
	return nil
}

func (r productionLogs) Get(ctx context.Context, id string) (domain.ProductionLog, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.ProductionLog{}, err
	}
	defer r.s.enter(ctx)()
	log, ok := r.s.st.productionLogs[id]
	if !ok || log.TenantID != tid {
		return domain.ProductionLog{}, domain.Ef(domain.KindNotFound, "production log %s not found", id)
	}
	return log, nil
}

func (r productionLogs) Update(ctx context.Context, log domain.ProductionLog) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	existing, ok := r.s.st.productionLogs[log.ID]
	if !ok || existing.TenantID != tid {
		return domain.Ef(domain.KindNotFound, "production log %s not found", log.ID)
	}
	log.TenantID = tid
	r.s.st.productionLogs[log.ID] = log
	return nil
}

func (r productionLogs) ListByPlan(ctx context.Context, planID string) ([]domain.ProductionLog, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.ProductionLog
	for _, log := range r.s.st.productionLogs {
		if log.TenantID == tid && log.CuttingPlanID == planID {
			out = append(out, log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

type locks struct{ s *Store }

func (r locks) key(tid string, docType domain.LockableDocumentType, docID string) lockKey {
	return lockKey{tenant: tid, docType: docType, docID: docID}
}

func (r locks) Insert(ctx context.Context, lock domain.DocumentLock) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	lock.TenantID = tid
	k := r.key(tid, lock.DocumentType, lock.DocumentID)
	if _, ok := r.s.st.locks[k]; ok {
		return domain.Ef(domain.KindDuplicate, "lock exists for %s/%s", lock.DocumentType, lock.DocumentID)
	}
	r.s.st.locks[k] = lock
	return nil
}

func (r locks) Get(ctx context.Context, docType domain.LockableDocumentType, docID string) (domain.DocumentLock, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.DocumentLock{}, err
	}
	defer r.s.enter(ctx)()
	lock, ok := r.s.st.locks[r.key(tid, docType, docID)]
	if !ok {
		return domain.DocumentLock{}, domain.Ef(domain.KindNotFound, "no lock for %s/%s", docType, docID)
	}
	return lock, nil
}

func (r locks) Delete(ctx context.Context, docType domain.LockableDocumentType, docID, holderID string) (bool, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return false, err
	}
	defer r.s.enter(ctx)()
	k := r.key(tid, docType, docID)
	lock, ok := r.s.st.locks[k]
	if !ok {
		return false, nil
	}
	if holderID != "" && lock.LockedByUserID != holderID {
		return false, nil
	}
	delete(r.s.st.locks, k)
	return true, nil
}

func (r locks) DeleteExpired(ctx context.Context, docType domain.LockableDocumentType, docID string, now time.Time) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	k := r.key(tid, docType, docID)
	if lock, ok := r.s.st.locks[k]; ok && !lock.Live(now) {
		delete(r.s.st.locks, k)
	}
	return nil
}

func (r locks) Refresh(ctx context.Context, docType domain.LockableDocumentType, docID, holderID string, expiresAt, now time.Time) (bool, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return false, err
	}
	defer r.s.enter(ctx)()
	k := r.key(tid, docType, docID)
	lock, ok := r.s.st.locks[k]
	if !ok || lock.LockedByUserID != holderID || !lock.Live(now) {
		return false, nil
	}
	lock.ExpiresAt = expiresAt
	r.s.st.locks[k] = lock
	return true, nil
}

func (r locks) ListByUser(ctx context.Context, userID string) ([]domain.DocumentLock, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.DocumentLock
	for _, lock := range r.s.st.locks {
		if lock.TenantID == tid && lock.LockedByUserID == userID {
			out = append(out, lock)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (r locks) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	defer r.s.enter(ctx)()
	var n int64
	for k, lock := range r.s.st.locks {
		if lock.TenantID == tid && lock.LockedByUserID == userID {
			delete(r.s.st.locks, k)
			n++
		}
	}
	return n, nil
}

func (r locks) DeleteAllExpired(ctx context.Context, now time.Time) (int64, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	defer r.s.enter(ctx)()
	var n int64
	for k, lock := range r.s.st.locks {
		if lock.TenantID == tid && !lock.Live(now) {
			delete(r.s.st.locks, k)
			n++
		}
	}
	return n, nil
}

type activities struct{ s *Store }

func (r activities) Insert(ctx context.Context, act domain.Activity) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	act.TenantID = tid
	r.s.st.activities = append(r.s.st.activities, act)
	return nil
}

func (r activities) List(ctx context.Context, f store.ActivityFilter) ([]domain.Activity, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.Activity
	skip := f.Offset
	for i := len(r.s.st.activities) - 1; i >= 0; i-- {
		act := r.s.st.activities[i]
		if act.TenantID != tid {
			continue
		}
		if f.ActorID != "" && act.ActorID != f.ActorID {
			continue
		}
		if f.TargetType != "" && act.TargetType != f.TargetType {
			continue
		}
		if f.TargetID != "" && act.TargetID != f.TargetID {
			continue
		}
		if !f.Since.IsZero() && act.CreatedAt.Before(f.Since) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, act)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

type activityReads struct{ s *Store }

func (r activityReads) MarkRead(ctx context.Context, userID, activityID string, at time.Time) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	k := readKey{user: userID, activity: activityID}
	if _, ok := r.s.st.activityReads[k]; ok {
		return nil
	}
	r.s.st.activityReads[k] = domain.ActivityRead{
		UserID:     userID,
		TenantID:   tid,
		ActivityID: activityID,
		ReadAt:     at,
	}
	return nil
}

func (r activityReads) ReadIDs(ctx context.Context, userID string) ([]string, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []string
	for _, read := range r.s.st.activityReads {
		if read.TenantID == tid && read.UserID == userID {
			out = append(out, read.ActivityID)
		}
	}
	sort.Strings(out)
	return out, nil
}

type auditLogs struct{ s *Store }

func (r auditLogs) Insert(ctx context.Context, log domain.AuditLog) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	log.TenantID = tid
	r.s.st.auditLogs = append(r.s.st.auditLogs, log)
	return nil
}

func (r auditLogs) List(ctx context.Context, f store.AuditFilter) ([]domain.AuditLog, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.AuditLog
	skip := f.Offset
	for i := len(r.s.st.auditLogs) - 1; i >= 0; i-- {
		log := r.s.st.auditLogs[i]
		if log.TenantID != tid {
			continue
		}
		if f.EntityType != "" && log.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && log.EntityID != f.EntityID {
			continue
		}
		if f.UserID != "" && log.UserID != f.UserID {
			continue
		}
		if f.Action != "" && log.Action != f.Action {
			continue
		}
		if f.Module != "" && log.Module != f.Module {
			continue
		}
		if !f.Start.IsZero() && log.CreatedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && log.CreatedAt.After(f.End) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, log)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

type notifications struct{ s *Store }

func (r notifications) Insert(ctx context.Context, n domain.Notification) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	n.TenantID = tid
	r.s.st.notifications[n.ID] = n
	return nil
}

func (r notifications) Update(ctx context.Context, n domain.Notification) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	existing, ok := r.s.st.notifications[n.ID]
	if !ok || existing.TenantID != tid {
		return domain.Ef(domain.KindNotFound, "notification %s not found", n.ID)
	}
	n.TenantID = tid
	r.s.st.notifications[n.ID] = n
	return nil
}

func (r notifications) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	var out []domain.Notification
	for _, n := range r.s.st.notifications {
		if n.TenantID == tid && n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type preferences struct{ s *Store }

func (r preferences) Get(ctx context.Context, userID string) (domain.NotificationPreferences, bool, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.NotificationPreferences{}, false, err
	}
	defer r.s.enter(ctx)()
	prefs, ok := r.s.st.preferences[prefKey{tenant: tid, user: userID}]
	return prefs, ok, nil
}

func (r preferences) Upsert(ctx context.Context, prefs domain.NotificationPreferences) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	prefs.TenantID = tid
	r.s.st.preferences[prefKey{tenant: tid, user: prefs.UserID}] = prefs
	return nil
}

type users struct{ s *Store }

func (r users) Insert(ctx context.Context, u domain.User) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	u.TenantID = tid
	for _, existing := range r.s.st.users {
		if existing.TenantID == tid && existing.Email == u.Email {
			return domain.Ef(domain.KindDuplicate, "email %s already registered", u.Email)
		}
	}
	r.s.st.users[u.ID] = u
	return nil
}

func (r users) Get(ctx context.Context, id string) (domain.User, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.User{}, err
	}
	defer r.s.enter(ctx)()
	u, ok := r.s.st.users[id]
	if !ok || u.TenantID != tid {
		return domain.User{}, domain.Ef(domain.KindNotFound, "user %s not found", id)
	}
	return u, nil
}

func (r users) ListByIDs(ctx context.Context, ids []string) ([]domain.User, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.enter(ctx)()
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.s.st.users[id]; ok && u.TenantID == tid {
			out = append(out, u)
		}
	}
	return out, nil
}
