package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cutfactor/cutcore/domain"
)

type stocks struct{ s *Store }

func (r stocks) Insert(ctx context.Context, item domain.StockItem) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	item.TenantID = f["tenant_id"].(string)
	if err := item.Validate(); err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.stocks.InsertOne(ctx, item), domain.KindInternal, "insert stock item")
}

func (r stocks) Get(ctx context.Context, id string) (domain.StockItem, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.StockItem{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var item domain.StockItem
	if err := r.s.c.stocks.FindOne(ctx, f).Decode(&item); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.StockItem{}, domain.Ef(domain.KindNotFound, "stock item %s not found", id)
		}
		return domain.StockItem{}, translate(err, domain.KindInternal, "load stock item")
	}
	return item, nil
}

func (r stocks) ListForMaterial(ctx context.Context, materialTypeID string, stockType domain.StockType, thickness int64) ([]domain.StockItem, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["material_type_id"] = materialTypeID
	f["stock_type"] = stockType
	f["thickness"] = thickness
	cur, err := r.s.c.stocks.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list stock items")
	}
	var out []domain.StockItem
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode stock items")
	}
	return out, nil
}

func (r stocks) Reserve(ctx context.Context, id string, qty int) error {
	// Guard free >= qty in the filter so the reservation is atomic.
	return r.guardedInc(ctx, id, qty, bson.M{
		"$expr": bson.M{"$gte": bson.A{
			bson.M{"$subtract": bson.A{"$quantity", "$reserved_qty"}},
			qty,
		}},
	}, bson.M{"reserved_qty": qty})
}

func (r stocks) Release(ctx context.Context, id string, qty int) error {
	return r.guardedInc(ctx, id, qty,
		bson.M{"reserved_qty": bson.M{"$gte": qty}},
		bson.M{"reserved_qty": -qty})
}

func (r stocks) Consume(ctx context.Context, id string, qty int) error {
	return r.guardedInc(ctx, id, qty,
		bson.M{"reserved_qty": bson.M{"$gte": qty}, "quantity": bson.M{"$gte": qty}},
		bson.M{"reserved_qty": -qty, "quantity": -qty})
}

func (r stocks) guardedInc(ctx context.Context, id string, qty int, guard, inc bson.M) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	for k, v := range guard {
		f[k] = v
	}
	res, err := r.s.c.stocks.UpdateOne(ctx, f, bson.M{"$inc": inc})
	if err != nil {
		return translate(err, domain.KindInternal, "adjust stock item")
	}
	if res.MatchedCount > 0 {
		return nil
	}
	// Distinguish a missing row from a violated guard.
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.Ef(domain.KindConflict, "stock item %s cannot adjust by %d", id, qty)
}

type orders struct{ s *Store }

func (r orders) Insert(ctx context.Context, order domain.Order) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	order.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.orders.InsertOne(ctx, order), domain.KindInternal, "insert order")
}

func (r orders) Get(ctx context.Context, id string) (domain.Order, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var order domain.Order
	if err := r.s.c.orders.FindOne(ctx, f).Decode(&order); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.Order{}, domain.Ef(domain.KindNotFound, "order %s not found", id)
		}
		return domain.Order{}, translate(err, domain.KindInternal, "load order")
	}
	return order, nil
}

func (r orders) UpdateStatus(ctx context.Context, id, status string) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	res, err := r.s.c.orders.UpdateOne(ctx, f, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return translate(err, domain.KindInternal, "update order status")
	}
	if res.MatchedCount == 0 {
		return domain.Ef(domain.KindNotFound, "order %s not found", id)
	}
	return nil
}

type orderItems struct{ s *Store }

func (r orderItems) Insert(ctx context.Context, item domain.OrderItem) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	item.TenantID = f["tenant_id"].(string)
	if err := item.Validate(); err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.orderItems.InsertOne(ctx, item), domain.KindInternal, "insert order item")
}

func (r orderItems) Get(ctx context.Context, id string) (domain.OrderItem, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.OrderItem{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var item domain.OrderItem
	if err := r.s.c.orderItems.FindOne(ctx, f).Decode(&item); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.OrderItem{}, domain.Ef(domain.KindNotFound, "order item %s not found", id)
		}
		return domain.OrderItem{}, translate(err, domain.KindInternal, "load order item")
	}
	return item, nil
}

func (r orderItems) ListByIDs(ctx context.Context, ids []string) ([]domain.OrderItem, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = bson.M{"$in": ids}
	cur, err := r.s.c.orderItems.Find(ctx, f)
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list order items")
	}
	var out []domain.OrderItem
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode order items")
	}
	return out, nil
}

type users struct{ s *Store }

func (r users) Insert(ctx context.Context, u domain.User) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	u.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.users.InsertOne(ctx, u), domain.KindInternal, "insert user")
}

func (r users) Get(ctx context.Context, id string) (domain.User, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.User{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var u domain.User
	if err := r.s.c.users.FindOne(ctx, f).Decode(&u); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.User{}, domain.Ef(domain.KindNotFound, "user %s not found", id)
		}
		return domain.User{}, translate(err, domain.KindInternal, "load user")
	}
	return u, nil
}

func (r users) ListByIDs(ctx context.Context, ids []string) ([]domain.User, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = bson.M{"$in": ids}
	cur, err := r.s.c.users.Find(ctx, f)
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list users")
	}
	var out []domain.User
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode users")
	}
	return out, nil
}
