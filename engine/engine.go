// Package engine orchestrates optimization runs: it loads the cutting job
// and its candidate stock, runs the packing strategy on the worker pool,
// and persists the resulting plan atomically. The job state machine guards
// every phase change; a failed or cancelled run never leaves partial plan
// data behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/packing"
	"github.com/cutfactor/cutcore/pool"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/telemetry"
	"github.com/cutfactor/cutcore/tenant"
)

type (
	// Options configures the engine.
	Options struct {
		Store   store.Store
		Pool    *pool.Pool
		Bus     *events.Bus
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Config  config.Optimization
	}

	// Engine runs optimizations end to end.
	Engine struct {
		store        store.Store
		pool         *pool.Pool
		bus          *events.Bus
		log          telemetry.Logger
		metrics      telemetry.Metrics
		cfg          config.Optimization
		paramsSchema *jsonschema.Schema

		clock func() time.Time
	}

	// RunInput identifies one optimization to run. Algorithm, Kerf and
	// AllowRotation override the scenario's stored parameters when set;
	// nil means "use the scenario's value, then the configured default",
	// so an explicit kerf of zero or rotation off survives resolution.
	RunInput struct {
		CuttingJobID  string
		ScenarioID    string
		Algorithm     string
		Kerf          *int64
		AllowRotation *bool
		CorrelationID string
	}

	// PlanData summarizes a persisted plan.
	PlanData struct {
		PlanID         string
		PlanNumber     string
		TotalWaste     int64
		WastePercentBP int64
		EfficiencyBP   int64
		StockUsedCount int
		UnplacedCount  int
	}

	// loaded is everything a run needs from the store.
	loaded struct {
		job       domain.CuttingJob
		scenario  domain.OptimizationScenario
		pieces    []packing.Piece
		stock     []packing.Stock
		oneD      bool
		algorithm packing.Algorithm
		kerf      int64
		rotate    bool
	}
)

// New validates the options and builds the engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("worker pool is required")
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
	schema, err := compileParametersSchema()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:        opts.Store,
		pool:         opts.Pool,
		bus:          opts.Bus,
		log:          log,
		metrics:      metrics,
		cfg:          opts.Config,
		paramsSchema: schema,
		clock:        time.Now,
	}, nil
}

// Run executes one optimization. The job moves to OPTIMIZING for the
// duration; success persists the plan, reservations and audit entry in one
// transaction and moves the job to OPTIMIZED, any failure moves it to
// FAILED. The outcome is published as OPTIMIZATION_COMPLETED or
// OPTIMIZATION_FAILED either way.
func (e *Engine) Run(ctx context.Context, in RunInput) (PlanData, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return PlanData{}, e.reject(ctx, in, err)
	}
	job, err := e.store.Jobs().Get(ctx, in.CuttingJobID)
	if err != nil {
		return PlanData{}, e.reject(ctx, in, err)
	}
	scenario, err := e.store.Scenarios().Get(ctx, in.ScenarioID)
	if err != nil {
		return PlanData{}, e.reject(ctx, in, err)
	}
	if scenario.JobID != job.ID {
		return PlanData{}, e.reject(ctx, in, domain.Ef(domain.KindValidation, "scenario %s does not belong to job %s", scenario.ID, job.ID))
	}
	if scenario.Status == domain.ScenarioCompleted {
		return PlanData{}, e.reject(ctx, in, domain.Ef(domain.KindInvalidState, "scenario %s is completed and immutable", scenario.ID))
	}
	if err := e.validateParameters(scenario.ParametersJSON); err != nil {
		return PlanData{}, e.reject(ctx, in, err)
	}
	if !domain.CanTransition(job.Status, domain.JobOptimizing) {
		return PlanData{}, e.reject(ctx, in, domain.Ef(domain.KindInvalidState, "job %s is %s and cannot start optimizing", job.ID, job.Status))
	}
	if err := e.store.Jobs().Transition(ctx, job.ID, job.Status, domain.JobOptimizing); err != nil {
		return PlanData{}, e.reject(ctx, in, err)
	}

	started := e.clock()
	data, err := e.run(ctx, job, scenario, in)
	if err != nil {
		e.fail(ctx, job, scenario, in.CorrelationID, err)
		return PlanData{}, err
	}
	e.metrics.RecordTimer("engine.run", e.clock().Sub(started), "algorithm", in.Algorithm)
	e.bus.Publish(ctx, events.Event{
		Type:          events.TypeOptimizationCompleted,
		Aggregate:     "cutting_plan",
		AggregateID:   data.PlanID,
		TenantID:      tenantOf(ctx),
		CorrelationID: in.CorrelationID,
		Payload: events.OptimizationCompleted{
			ScenarioID:     scenario.ID,
			PlanID:         data.PlanID,
			PlanNumber:     data.PlanNumber,
			EfficiencyBP:   data.EfficiencyBP,
			WastePercentBP: data.WastePercentBP,
		},
	})
	return data, nil
}

func (e *Engine) run(ctx context.Context, job domain.CuttingJob, scenario domain.OptimizationScenario, in RunInput) (PlanData, error) {
	ld, err := e.load(ctx, job, scenario, in)
	if err != nil {
		return PlanData{}, err
	}
	result, err := e.pack(ctx, ld)
	if err != nil {
		return PlanData{}, err
	}
	if len(result.Placements) == 0 {
		return PlanData{}, domain.E(domain.KindValidation, "no piece fits the available stock")
	}
	return e.persist(ctx, ld, result)
}

// load assembles pieces and candidate stock. Job items and stock load
// concurrently.
func (e *Engine) load(ctx context.Context, job domain.CuttingJob, scenario domain.OptimizationScenario, in RunInput) (loaded, error) {
	ld := loaded{job: job, scenario: scenario}

	var items []domain.OrderItem
	var quantities map[string]int
	var stockItems []domain.StockItem

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobItems, err := e.store.JobItems().ListByJob(gctx, job.ID)
		if err != nil {
			return err
		}
		if len(jobItems) == 0 {
			return domain.Ef(domain.KindValidation, "job %s has no items", job.ID)
		}
		ids := make([]string, 0, len(jobItems))
		quantities = make(map[string]int, len(jobItems))
		for _, ji := range jobItems {
			ids = append(ids, ji.OrderItemID)
			quantities[ji.OrderItemID] = ji.Quantity
		}
		items, err = e.store.OrderItems().ListByIDs(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		// Bars and sheets share the listing; the geometry check below
		// rejects jobs whose items disagree with the stock on
		// dimensionality.
		bars, err := e.store.Stocks().ListForMaterial(gctx, job.MaterialTypeID, domain.StockBar1D, job.Thickness)
		if err != nil {
			return err
		}
		sheets, err := e.store.Stocks().ListForMaterial(gctx, job.MaterialTypeID, domain.StockSheet2D, job.Thickness)
		if err != nil {
			return err
		}
		stockItems = append(bars, sheets...)
		return nil
	})
	if err := g.Wait(); err != nil {
		return loaded{}, err
	}

	oneD, err := dimensionality(items)
	if err != nil {
		return loaded{}, err
	}
	ld.oneD = oneD
	ld.pieces = expandPieces(items, quantities)
	ld.stock = candidateStock(stockItems, oneD)
	if len(ld.stock) == 0 {
		return loaded{}, domain.Ef(domain.KindValidation, "no free stock for material %s", job.MaterialTypeID)
	}

	ld.algorithm, err = e.resolveAlgorithm(in.Algorithm, scenario.Algorithm, oneD)
	if err != nil {
		return loaded{}, err
	}
	// Nil means unset; an explicit zero kerf or rotation off wins over
	// the defaults.
	ld.kerf = e.cfg.DefaultKerfMM
	if scenario.Kerf != nil {
		ld.kerf = *scenario.Kerf
	}
	if in.Kerf != nil {
		ld.kerf = *in.Kerf
	}
	if ld.kerf < 0 {
		return loaded{}, domain.E(domain.KindValidation, "kerf must be non-negative")
	}
	if scenario.AllowRotation != nil {
		ld.rotate = *scenario.AllowRotation
	}
	if in.AllowRotation != nil {
		ld.rotate = *in.AllowRotation
	}
	return ld, nil
}

// resolveAlgorithm picks the strategy: explicit input, then the scenario,
// then the configured default for the job's dimensionality.
func (e *Engine) resolveAlgorithm(explicit, stored string, oneD bool) (packing.Algorithm, error) {
	name := explicit
	if name == "" {
		name = stored
	}
	if name == "" {
		if oneD {
			name = e.cfg.DefaultAlgorithm1D
		} else {
			name = e.cfg.DefaultAlgorithm2D
		}
	}
	alg, err := packing.ParseAlgorithm(name)
	if err != nil {
		return "", err
	}
	if alg.Is1D() != oneD {
		return "", domain.Ef(domain.KindValidation, "algorithm %s does not match the job dimensionality", alg)
	}
	return alg, nil
}

// dimensionality derives 1D vs 2D from the order items and rejects mixed
// jobs.
func dimensionality(items []domain.OrderItem) (bool, error) {
	oneD := false
	twoD := false
	for _, it := range items {
		if it.GeometryType == domain.GeometryBar {
			oneD = true
		} else {
			twoD = true
		}
	}
	if oneD == twoD {
		return false, domain.E(domain.KindValidation, "job mixes bar and sheet geometries")
	}
	return oneD, nil
}

// expandPieces flattens item quantities into individual pieces. Circles
// pack as their bounding square.
func expandPieces(items []domain.OrderItem, quantities map[string]int) []packing.Piece {
	var pieces []packing.Piece
	for _, it := range items {
		qty := quantities[it.ID]
		if qty <= 0 {
			qty = it.Quantity
		}
		length, width := it.Length, it.Width
		if it.GeometryType == domain.GeometryCircle {
			length, width = it.Diameter, it.Diameter
		}
		if it.GeometryType == domain.GeometryBar {
			width = 0
		}
		for n := 0; n < qty; n++ {
			pieces = append(pieces, packing.Piece{
				ID:        fmt.Sprintf("%s-%d", it.ID, n+1),
				RefID:     it.ID,
				Length:    length,
				Width:     width,
				CanRotate: it.CanRotate,
			})
		}
	}
	return pieces
}

// candidateStock maps free inventory of the right dimensionality into
// strategy stock classes. Sheet stock is Width x Height in inventory terms.
func candidateStock(items []domain.StockItem, oneD bool) []packing.Stock {
	var out []packing.Stock
	for _, s := range items {
		if s.Free() <= 0 {
			continue
		}
		if oneD != (s.StockType == domain.StockBar1D) {
			continue
		}
		st := packing.Stock{
			ID:        s.ID,
			UnitPrice: s.UnitPrice,
			Available: s.Free(),
		}
		if oneD {
			st.Length = s.Length
		} else {
			st.Length = s.Width
			st.Width = s.Height
		}
		out = append(out, st)
	}
	return out
}

// pack submits the run to the pool and awaits the result.
func (e *Engine) pack(ctx context.Context, ld loaded) (packing.Result, error) {
	kind := pool.Kind2D
	timeout := e.cfg.Timeout2D()
	if ld.oneD {
		kind = pool.Kind1D
		timeout = e.cfg.Timeout1D()
	}
	handle, err := e.pool.Submit(ctx, pool.Task{
		Kind:    kind,
		Timeout: timeout,
		Payload: packRequest{
			Algorithm: ld.algorithm,
			Pieces:    ld.pieces,
			Stock:     ld.stock,
			Options:   packing.Options{Kerf: ld.kerf, AllowRotation: ld.rotate},
		},
	})
	if err != nil {
		return packing.Result{}, err
	}
	res, err := handle.Result(ctx)
	if err != nil {
		return packing.Result{}, err
	}
	result, ok := res.(packing.Result)
	if !ok {
		return packing.Result{}, domain.E(domain.KindInternal, "unexpected packing result type")
	}
	return result, nil
}

// persist writes the plan, its per-stock layouts, the stock reservations
// and the audit entry in one transaction, completes the scenario and moves
// the job to OPTIMIZED. Reservations that would drop free stock below the
// low-water mark raise STOCK_LOW after commit.
func (e *Engine) persist(ctx context.Context, ld loaded, result packing.Result) (PlanData, error) {
	now := e.clock()
	planID := domain.NewID()
	units := make(map[string]int)
	for _, u := range result.Usage {
		units[u.StockID]++
	}

	var planNumber string
	err := e.store.WithTransaction(ctx, func(ctx context.Context) error {
		count, err := e.store.Plans().Count(ctx)
		if err != nil {
			return err
		}
		planNumber = fmt.Sprintf("PLAN-%05d", count+1)
		if err := e.store.Plans().Insert(ctx, domain.CuttingPlan{
			ID:             planID,
			ScenarioID:     ld.scenario.ID,
			PlanNumber:     planNumber,
			TotalWaste:     result.TotalWaste,
			WastePercentBP: result.WastePercentBP,
			StockUsedCount: result.StockUsedCount(),
			EfficiencyBP:   result.EfficiencyBP,
			Status:         domain.PlanDraft,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		rows := make([]domain.CuttingPlanStock, 0, len(result.Usage))
		for seq, u := range result.Usage {
			rows = append(rows, domain.CuttingPlanStock{
				ID:             domain.NewID(),
				PlanID:         planID,
				StockItemID:    u.StockID,
				Sequence:       seq,
				Placements:     domainPlacements(u.Placements),
				Waste:          u.Waste,
				WastePercentBP: u.WastePercentBP,
			})
		}
		if err := e.store.PlanStocks().InsertMany(ctx, rows); err != nil {
			return err
		}
		for stockID, n := range units {
			if err := e.store.Stocks().Reserve(ctx, stockID, n); err != nil {
				return err
			}
		}
		if err := e.store.Scenarios().SetStatus(ctx, ld.scenario.ID, domain.ScenarioCompleted); err != nil {
			return err
		}
		if err := e.store.Jobs().Transition(ctx, ld.job.ID, domain.JobOptimizing, domain.JobOptimized); err != nil {
			return err
		}
		return e.store.AuditLogs().Insert(ctx, domain.AuditLog{
			ID:         domain.NewID(),
			Action:     "optimization.run",
			Module:     "engine",
			EntityType: "cutting_plan",
			EntityID:   planID,
			NewValue:   planNumber,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return PlanData{}, err
	}

	e.checkStockLow(ctx, units)
	e.metrics.IncCounter("engine.plans", 1, "algorithm", string(ld.algorithm))
	return PlanData{
		PlanID:         planID,
		PlanNumber:     planNumber,
		TotalWaste:     result.TotalWaste,
		WastePercentBP: result.WastePercentBP,
		EfficiencyBP:   result.EfficiencyBP,
		StockUsedCount: result.StockUsedCount(),
		UnplacedCount:  len(result.Unplaced),
	}, nil
}

// checkStockLow publishes STOCK_LOW for every touched stock item whose
// free quantity dropped below the configured threshold.
func (e *Engine) checkStockLow(ctx context.Context, units map[string]int) {
	if e.cfg.StockLowThreshold <= 0 {
		return
	}
	for stockID := range units {
		item, err := e.store.Stocks().Get(ctx, stockID)
		if err != nil {
			continue
		}
		if item.Free() < e.cfg.StockLowThreshold {
			e.bus.Publish(ctx, events.Event{
				Type:        events.TypeStockLow,
				Aggregate:   "stock_item",
				AggregateID: stockID,
				TenantID:    tenantOf(ctx),
				Payload: events.StockLow{
					StockItemID: stockID,
					Threshold:   e.cfg.StockLowThreshold,
					CurrentQty:  item.Free(),
				},
			})
		}
	}
}

// fail moves the job and scenario to their failed states and publishes the
// failure. Best effort: the run error is the authoritative outcome.
func (e *Engine) fail(ctx context.Context, job domain.CuttingJob, scenario domain.OptimizationScenario, correlationID string, cause error) {
	if err := e.store.Jobs().Transition(ctx, job.ID, domain.JobOptimizing, domain.JobFailed); err != nil {
		e.log.Warn(ctx, "job failed-state transition rejected", "job_id", job.ID, "err", err)
	}
	if err := e.store.Scenarios().SetStatus(ctx, scenario.ID, "FAILED"); err != nil {
		e.log.Warn(ctx, "scenario failed-state update rejected", "scenario_id", scenario.ID, "err", err)
	}
	e.publishFailed(ctx, scenario.ID, correlationID, cause)
}

// reject publishes the failure of a run that died before the job entered
// OPTIMIZING. No state was touched, so only the event and the counter are
// emitted. Returns cause so call sites read `return e.reject(...)`.
func (e *Engine) reject(ctx context.Context, in RunInput, cause error) error {
	e.publishFailed(ctx, in.ScenarioID, in.CorrelationID, cause)
	return cause
}

// publishFailed emits OPTIMIZATION_FAILED with the error kind as reason.
// Every run failure ends here so bus watchers always learn the outcome.
func (e *Engine) publishFailed(ctx context.Context, scenarioID, correlationID string, cause error) {
	e.metrics.IncCounter("engine.failures", 1, "kind", string(domain.KindOf(cause)))
	e.bus.Publish(ctx, events.Event{
		Type:          events.TypeOptimizationFailed,
		Aggregate:     "optimization_scenario",
		AggregateID:   scenarioID,
		TenantID:      tenantOf(ctx),
		CorrelationID: correlationID,
		Payload: events.OptimizationFailed{
			ScenarioID: scenarioID,
			Reason:     string(domain.KindOf(cause)),
		},
	})
}

func domainPlacements(placements []packing.Placement) []domain.Placement {
	out := make([]domain.Placement, len(placements))
	for i, p := range placements {
		out[i] = domain.Placement{
			PieceID:       p.PieceID,
			OrderItemID:   p.RefID,
			X:             p.X,
			Y:             p.Y,
			Length:        p.Length,
			Width:         p.Width,
			Rotated:       p.Rotated,
			SequenceIndex: i,
		}
	}
	return out
}

func tenantOf(ctx context.Context) string {
	tid, _ := tenant.MaybeFromContext(ctx)
	return tid
}
