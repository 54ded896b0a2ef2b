package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/store"
)

type locks struct{ s *Store }

func (r locks) keyFilter(ctx context.Context, docType domain.LockableDocumentType, docID string) (bson.M, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	f["document_type"] = docType
	f["document_id"] = docID
	return f, nil
}

func (r locks) Insert(ctx context.Context, lock domain.DocumentLock) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	lock.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	// The unique (tenant, type, id) index turns a racing insert into a
	// duplicate key error.
	return translate(r.s.c.locks.InsertOne(ctx, lock), domain.KindInternal, "insert lock")
}

func (r locks) Get(ctx context.Context, docType domain.LockableDocumentType, docID string) (domain.DocumentLock, error) {
	f, err := r.keyFilter(ctx, docType, docID)
	if err != nil {
		return domain.DocumentLock{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	var lock domain.DocumentLock
	if err := r.s.c.locks.FindOne(ctx, f).Decode(&lock); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.DocumentLock{}, domain.Ef(domain.KindNotFound, "no lock for %s/%s", docType, docID)
		}
		return domain.DocumentLock{}, translate(err, domain.KindInternal, "load lock")
	}
	return lock, nil
}

func (r locks) Delete(ctx context.Context, docType domain.LockableDocumentType, docID, holderID string) (bool, error) {
	f, err := r.keyFilter(ctx, docType, docID)
	if err != nil {
		return false, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	if holderID != "" {
		f["locked_by_user_id"] = holderID
	}
	n, err := r.s.c.locks.DeleteOne(ctx, f)
	if err != nil {
		return false, translate(err, domain.KindInternal, "delete lock")
	}
	return n > 0, nil
}

func (r locks) DeleteExpired(ctx context.Context, docType domain.LockableDocumentType, docID string, now time.Time) error {
	f, err := r.keyFilter(ctx, docType, docID)
	if err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["expires_at"] = bson.M{"$lte": now}
	_, err = r.s.c.locks.DeleteOne(ctx, f)
	return translate(err, domain.KindInternal, "delete expired lock")
}

func (r locks) Refresh(ctx context.Context, docType domain.LockableDocumentType, docID, holderID string, expiresAt, now time.Time) (bool, error) {
	f, err := r.keyFilter(ctx, docType, docID)
	if err != nil {
		return false, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["locked_by_user_id"] = holderID
	f["expires_at"] = bson.M{"$gt": now}
	res, err := r.s.c.locks.UpdateOne(ctx, f, bson.M{"$set": bson.M{"expires_at": expiresAt}})
	if err != nil {
		return false, translate(err, domain.KindInternal, "refresh lock")
	}
	return res.MatchedCount > 0, nil
}

func (r locks) ListByUser(ctx context.Context, userID string) ([]domain.DocumentLock, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["locked_by_user_id"] = userID
	cur, err := r.s.c.locks.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "document_id", Value: 1}}))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list locks")
	}
	var out []domain.DocumentLock
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode locks")
	}
	return out, nil
}

func (r locks) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["locked_by_user_id"] = userID
	n, err := r.s.c.locks.DeleteMany(ctx, f)
	if err != nil {
		return 0, translate(err, domain.KindInternal, "delete user locks")
	}
	return n, nil
}

func (r locks) DeleteAllExpired(ctx context.Context, now time.Time) (int64, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["expires_at"] = bson.M{"$lte": now}
	n, err := r.s.c.locks.DeleteMany(ctx, f)
	if err != nil {
		return 0, translate(err, domain.KindInternal, "reap expired locks")
	}
	return n, nil
}

type activities struct{ s *Store }

func (r activities) Insert(ctx context.Context, act domain.Activity) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	act.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.activities.InsertOne(ctx, act), domain.KindInternal, "insert activity")
}

func (r activities) List(ctx context.Context, filter store.ActivityFilter) ([]domain.Activity, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	if filter.ActorID != "" {
		f["actor_id"] = filter.ActorID
	}
	if filter.TargetType != "" {
		f["target_type"] = filter.TargetType
	}
	if filter.TargetID != "" {
		f["target_id"] = filter.TargetID
	}
	if !filter.Since.IsZero() {
		f["created_at"] = bson.M{"$gte": filter.Since}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Offset > 0 {
		opts = opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	cur, err := r.s.c.activities.Find(ctx, f, opts)
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list activities")
	}
	var out []domain.Activity
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode activities")
	}
	return out, nil
}

type activityReads struct{ s *Store }

func (r activityReads) MarkRead(ctx context.Context, userID, activityID string, at time.Time) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	tid := f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["user_id"] = userID
	f["activity_id"] = activityID
	// Upsert keeps the first read timestamp.
	_, err = r.s.c.activityReads.UpdateOne(ctx, f, bson.M{
		"$setOnInsert": domain.ActivityRead{
			UserID:     userID,
			TenantID:   tid,
			ActivityID: activityID,
			ReadAt:     at,
		},
	}, options.Update().SetUpsert(true))
	return translate(err, domain.KindInternal, "mark activity read")
}

func (r activityReads) ReadIDs(ctx context.Context, userID string) ([]string, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["user_id"] = userID
	cur, err := r.s.c.activityReads.Find(ctx, f)
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list activity reads")
	}
	var rows []domain.ActivityRead
	if err := cur.All(ctx, &rows); err != nil {
		return nil, translate(err, domain.KindInternal, "decode activity reads")
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.ActivityID
	}
	return out, nil
}

type auditLogs struct{ s *Store }

func (r auditLogs) Insert(ctx context.Context, log domain.AuditLog) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	log.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.auditLogs.InsertOne(ctx, log), domain.KindInternal, "insert audit log")
}

func (r auditLogs) List(ctx context.Context, filter store.AuditFilter) ([]domain.AuditLog, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	if filter.EntityType != "" {
		f["entity_type"] = filter.EntityType
	}
	if filter.EntityID != "" {
		f["entity_id"] = filter.EntityID
	}
	if filter.UserID != "" {
		f["user_id"] = filter.UserID
	}
	if filter.Action != "" {
		f["action"] = filter.Action
	}
	if filter.Module != "" {
		f["module"] = filter.Module
	}
	created := bson.M{}
	if !filter.Start.IsZero() {
		created["$gte"] = filter.Start
	}
	if !filter.End.IsZero() {
		created["$lte"] = filter.End
	}
	if len(created) > 0 {
		f["created_at"] = created
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Offset > 0 {
		opts = opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	cur, err := r.s.c.auditLogs.Find(ctx, f, opts)
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list audit logs")
	}
	var out []domain.AuditLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode audit logs")
	}
	return out, nil
}

type notifications struct{ s *Store }

func (r notifications) Insert(ctx context.Context, n domain.Notification) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	n.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.notifications.InsertOne(ctx, n), domain.KindInternal, "insert notification")
}

func (r notifications) Update(ctx context.Context, n domain.Notification) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	n.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = n.ID
	res, err := r.s.c.notifications.UpdateOne(ctx, f, bson.M{"$set": n})
	if err != nil {
		return translate(err, domain.KindInternal, "update notification")
	}
	if res.MatchedCount == 0 {
		return domain.Ef(domain.KindNotFound, "notification %s not found", n.ID)
	}
	return nil
}

func (r notifications) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["user_id"] = userID
	cur, err := r.s.c.notifications.Find(ctx, f,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list notifications")
	}
	var out []domain.Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode notifications")
	}
	return out, nil
}

type preferences struct{ s *Store }

func (r preferences) Get(ctx context.Context, userID string) (domain.NotificationPreferences, bool, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.NotificationPreferences{}, false, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["user_id"] = userID
	var prefs domain.NotificationPreferences
	if err := r.s.c.preferences.FindOne(ctx, f).Decode(&prefs); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.NotificationPreferences{}, false, nil
		}
		return domain.NotificationPreferences{}, false, translate(err, domain.KindInternal, "load preferences")
	}
	return prefs, true, nil
}

func (r preferences) Upsert(ctx context.Context, prefs domain.NotificationPreferences) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	prefs.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["user_id"] = prefs.UserID
	_, err = r.s.c.preferences.UpdateOne(ctx, f, bson.M{"$set": prefs}, options.Update().SetUpsert(true))
	return translate(err, domain.KindInternal, "upsert preferences")
}
