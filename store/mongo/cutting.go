package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cutfactor/cutcore/domain"
)

type jobs struct{ s *Store }

func (r jobs) Insert(ctx context.Context, job domain.CuttingJob) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	job.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.jobs.InsertOne(ctx, job), domain.KindInternal, "insert cutting job")
}

func (r jobs) Get(ctx context.Context, id string) (domain.CuttingJob, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.CuttingJob{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var job domain.CuttingJob
	if err := r.s.c.jobs.FindOne(ctx, f).Decode(&job); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.CuttingJob{}, domain.Ef(domain.KindNotFound, "cutting job %s not found", id)
		}
		return domain.CuttingJob{}, translate(err, domain.KindInternal, "load cutting job")
	}
	return job, nil
}

// Transition compares and swaps the job status. A matched filter with the
// stale from status distinguishes INVALID_STATE from NOT_FOUND.
func (r jobs) Transition(ctx context.Context, id string, from, to domain.JobStatus) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	f["status"] = from
	res, err := r.s.c.jobs.UpdateOne(ctx, f, bson.M{"$set": bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return translate(err, domain.KindInternal, "transition cutting job")
	}
	if res.MatchedCount > 0 {
		return nil
	}
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return domain.Ef(domain.KindInvalidState, "cutting job %s is %s, expected %s", id, job.Status, from)
}

type jobItems struct{ s *Store }

func (r jobItems) Insert(ctx context.Context, item domain.CuttingJobItem) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	item.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.jobItems.InsertOne(ctx, item), domain.KindInternal, "insert job item")
}

func (r jobItems) ListByJob(ctx context.Context, jobID string) ([]domain.CuttingJobItem, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["cutting_job_id"] = jobID
	cur, err := r.s.c.jobItems.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list job items")
	}
	var out []domain.CuttingJobItem
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode job items")
	}
	return out, nil
}

type scenarios struct{ s *Store }

func (r scenarios) Insert(ctx context.Context, sc domain.OptimizationScenario) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	sc.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.scenarios.InsertOne(ctx, sc), domain.KindInternal, "insert scenario")
}

func (r scenarios) Get(ctx context.Context, id string) (domain.OptimizationScenario, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.OptimizationScenario{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var sc domain.OptimizationScenario
	if err := r.s.c.scenarios.FindOne(ctx, f).Decode(&sc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.OptimizationScenario{}, domain.Ef(domain.KindNotFound, "scenario %s not found", id)
		}
		return domain.OptimizationScenario{}, translate(err, domain.KindInternal, "load scenario")
	}
	return sc, nil
}

func (r scenarios) SetStatus(ctx context.Context, id, status string) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	res, err := r.s.c.scenarios.UpdateOne(ctx, f, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return translate(err, domain.KindInternal, "update scenario status")
	}
	if res.MatchedCount == 0 {
		return domain.Ef(domain.KindNotFound, "scenario %s not found", id)
	}
	return nil
}

func (r scenarios) ListByJob(ctx context.Context, jobID string) ([]domain.OptimizationScenario, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["job_id"] = jobID
	cur, err := r.s.c.scenarios.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list scenarios")
	}
	var out []domain.OptimizationScenario
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode scenarios")
	}
	return out, nil
}

type plans struct{ s *Store }

func (r plans) Insert(ctx context.Context, plan domain.CuttingPlan) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	plan.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.plans.InsertOne(ctx, plan), domain.KindInternal, "insert plan")
}

func (r plans) Get(ctx context.Context, id string) (domain.CuttingPlan, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.CuttingPlan{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var plan domain.CuttingPlan
	if err := r.s.c.plans.FindOne(ctx, f).Decode(&plan); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.CuttingPlan{}, domain.Ef(domain.KindNotFound, "plan %s not found", id)
		}
		return domain.CuttingPlan{}, translate(err, domain.KindInternal, "load plan")
	}
	return plan, nil
}

func (r plans) ListByScenario(ctx context.Context, scenarioID string) ([]domain.CuttingPlan, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["scenario_id"] = scenarioID
	cur, err := r.s.c.plans.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list plans")
	}
	var out []domain.CuttingPlan
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode plans")
	}
	return out, nil
}

func (r plans) SetStatus(ctx context.Context, id string, status domain.PlanStatus, approvedBy string, at time.Time) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	res, err := r.s.c.plans.UpdateOne(ctx, f, bson.M{"$set": bson.M{
		"status":      status,
		"approved_by": approvedBy,
		"approved_at": at,
	}})
	if err != nil {
		return translate(err, domain.KindInternal, "update plan status")
	}
	if res.MatchedCount == 0 {
		return domain.Ef(domain.KindNotFound, "plan %s not found", id)
	}
	return nil
}

func (r plans) Count(ctx context.Context) (int64, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	n, err := r.s.c.plans.CountDocuments(ctx, f)
	if err != nil {
		return 0, translate(err, domain.KindInternal, "count plans")
	}
	return n, nil
}

type planStocks struct{ s *Store }

func (r planStocks) InsertMany(ctx context.Context, rows []domain.CuttingPlanStock) error {
	if len(rows) == 0 {
		return nil
	}
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	docs := make([]any, len(rows))
	for i, row := range rows {
		row.TenantID = f["tenant_id"].(string)
		docs[i] = row
	}
	return translate(r.s.c.planStocks.InsertMany(ctx, docs), domain.KindInternal, "insert plan stocks")
}

func (r planStocks) ListByPlan(ctx context.Context, planID string) ([]domain.CuttingPlanStock, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["plan_id"] = planID
	cur, err := r.s.c.planStocks.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list plan stocks")
	}
	var out []domain.CuttingPlanStock
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode plan stocks")
	}
	return out, nil
}

type productionLogs struct{ s *Store }

func (r productionLogs) Insert(ctx context.Context, log domain.ProductionLog) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	log.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	return translate(r.s.c.productionLogs.InsertOne(ctx, log), domain.KindInternal, "insert production log")
}

func (r productionLogs) Get(ctx context.Context, id string) (domain.ProductionLog, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return domain.ProductionLog{}, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = id
	var log domain.ProductionLog
	if err := r.s.c.productionLogs.FindOne(ctx, f).Decode(&log); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.ProductionLog{}, domain.Ef(domain.KindNotFound, "production log %s not found", id)
		}
		return domain.ProductionLog{}, translate(err, domain.KindInternal, "load production log")
	}
	return log, nil
}

func (r productionLogs) Update(ctx context.Context, log domain.ProductionLog) error {
	f, err := tenantFilter(ctx)
	if err != nil {
		return err
	}
	log.TenantID = f["tenant_id"].(string)
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["_id"] = log.ID
	res, err := r.s.c.productionLogs.UpdateOne(ctx, f, bson.M{"$set": log})
	if err != nil {
		return translate(err, domain.KindInternal, "update production log")
	}
	if res.MatchedCount == 0 {
		return domain.Ef(domain.KindNotFound, "production log %s not found", log.ID)
	}
	return nil
}

func (r productionLogs) ListByPlan(ctx context.Context, planID string) ([]domain.ProductionLog, error) {
	f, err := tenantFilter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	f["cutting_plan_id"] = planID
	cur, err := r.s.c.productionLogs.Find(ctx, f, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, translate(err, domain.KindInternal, "list production logs")
	}
	var out []domain.ProductionLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, domain.KindInternal, "decode production logs")
	}
	return out, nil
}
