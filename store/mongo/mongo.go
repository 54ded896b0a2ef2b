// Package mongo implements the persistence ports on MongoDB. Collections
// are wrapped behind narrow interfaces so repositories can be exercised
// against in-memory fakes.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/tenant"
)

const (
	defaultTimeout = 5 * time.Second
	clientName     = "cutcore-mongo"
)

// Options configures the Mongo store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// collections groups the wrapped collection handles.
type collections struct {
	stocks         collection
	orders         collection
	orderItems     collection
	jobs           collection
	jobItems       collection
	scenarios      collection
	plans          collection
	planStocks     collection
	productionLogs collection
	locks          collection
	activities     collection
	activityReads  collection
	auditLogs      collection
	notifications  collection
	preferences    collection
	users          collection
}

// Store is the MongoDB-backed implementation of store.Store.
type Store struct {
	client  *mongodriver.Client
	c       collections
	timeout time.Duration
}

var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New connects the store to the given database and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	wrap := func(name string) collection {
		return mongoCollection{coll: db.Collection(name)}
	}
	s := &Store{
		client: opts.Client,
		c: collections{
			stocks:         wrap("stock_items"),
			orders:         wrap("orders"),
			orderItems:     wrap("order_items"),
			jobs:           wrap("cutting_jobs"),
			jobItems:       wrap("cutting_job_items"),
			scenarios:      wrap("optimization_scenarios"),
			plans:          wrap("cutting_plans"),
			planStocks:     wrap("cutting_plan_stocks"),
			productionLogs: wrap("production_logs"),
			locks:          wrap("document_locks"),
			activities:     wrap("activities"),
			activityReads:  wrap("activity_reads"),
			auditLogs:      wrap("audit_logs"),
			notifications:  wrap("notifications"),
			preferences:    wrap("notification_preferences"),
			users:          wrap("users"),
		},
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, s.c); err != nil {
		return nil, err
	}
	return s, nil
}

// newStoreWithCollections wires pre-built collections; used by tests.
func newStoreWithCollections(c collections, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{c: c, timeout: timeout}
}

func (s *Store) Name() string { return clientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
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

// WithTransaction runs fn in a Mongo session transaction. A store built
// without a client (tests) runs fn directly.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.client == nil {
		return fn(ctx)
	}
	session, err := s.client.StartSession()
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, "start mongo session", err)
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// tenantFilter builds the base filter carrying the ambient tenant.
func tenantFilter(ctx context.Context) (bson.M, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return bson.M{"tenant_id": tid}, nil
}

// translate maps driver errors onto the domain taxonomy.
func translate(err error, kind domain.Kind, msg string) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsDuplicateKeyError(err) {
		return domain.Wrap(domain.KindDuplicate, msg, err)
	}
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return domain.Wrap(domain.KindNotFound, msg, err)
	}
	return domain.Wrap(kind, msg, err)
}

func ensureIndexes(ctx context.Context, c collections) error {
	unique := func(coll collection, keys bson.D) error {
		_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(true),
		})
		return err
	}
	plain := func(coll collection, keys bson.D) error {
		_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: keys})
		return err
	}
	if err := unique(c.users, bson.D{{Key: "tenant_id", Value: 1}, {Key: "email", Value: 1}}); err != nil {
		return err
	}
	if err := unique(c.locks, bson.D{{Key: "tenant_id", Value: 1}, {Key: "document_type", Value: 1}, {Key: "document_id", Value: 1}}); err != nil {
		return err
	}
	if err := unique(c.orders, bson.D{{Key: "tenant_id", Value: 1}, {Key: "order_number", Value: 1}}); err != nil {
		return err
	}
	if err := unique(c.jobs, bson.D{{Key: "tenant_id", Value: 1}, {Key: "job_number", Value: 1}}); err != nil {
		return err
	}
	if err := unique(c.activityReads, bson.D{{Key: "user_id", Value: 1}, {Key: "activity_id", Value: 1}}); err != nil {
		return err
	}
	if err := unique(c.preferences, bson.D{{Key: "tenant_id", Value: 1}, {Key: "user_id", Value: 1}}); err != nil {
		return err
	}
	if err := plain(c.activities, bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}}); err != nil {
		return err
	}
	return plain(c.notifications, bson.D{{Key: "tenant_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}})
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) error
	InsertMany(ctx context.Context, docs []any, opts ...*options.InsertManyOptions) error
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (int64, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (int64, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) error {
	_, err := c.coll.InsertOne(ctx, doc, opts...)
	return err
}

func (c mongoCollection) InsertMany(ctx context.Context, docs []any, opts ...*options.InsertManyOptions) error {
	_, err := c.coll.InsertMany(ctx, docs, opts...)
	return err
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter, opts...)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter, opts...)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
