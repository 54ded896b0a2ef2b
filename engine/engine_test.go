package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/packing"
	"github.com/cutfactor/cutcore/pool"
	"github.com/cutfactor/cutcore/store/inmem"
	"github.com/cutfactor/cutcore/tenant"
)

func i64(v int64) *int64 { return &v }

func boolp(v bool) *bool { return &v }

func testEngine(t *testing.T) (*Engine, *inmem.Store, *events.Bus, context.Context) {
	t.Helper()
	st := inmem.New()
	bus := events.NewBus()
	p := pool.New(config.Pool{
		MinWorkers:    1,
		MaxWorkers:    2,
		IdleTimeoutMS: 60_000,
		MaxQueue:      8,
	}, Runners()...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	eng, err := New(Options{
		Store:  st,
		Pool:   p,
		Bus:    bus,
		Config: config.Default().Optimization,
	})
	require.NoError(t, err)
	return eng, st, bus, tenant.WithTenant(context.Background(), "t1")
}

// seedBarJob stores a PENDING 1D job: two order items (3x2000mm, 2x1500mm)
// against 6000mm bars.
func seedBarJob(t *testing.T, st *inmem.Store, ctx context.Context, barQty int) {
	t.Helper()
	require.NoError(t, st.Stocks().Insert(ctx, domain.StockItem{
		ID:             "bar-6000",
		Code:           "B-6000",
		MaterialTypeID: "steel",
		StockType:      domain.StockBar1D,
		Length:         6000,
		Quantity:       barQty,
		UnitPrice:      100,
	}))
	require.NoError(t, st.Jobs().Insert(ctx, domain.CuttingJob{
		ID:             "job-1",
		JobNumber:      "JOB-001",
		MaterialTypeID: "steel",
		Thickness:      0,
		Status:         domain.JobPending,
		CreatedAt:      time.Now(),
	}))
	items := []domain.OrderItem{
		{ID: "item-1", OrderID: "ord-1", GeometryType: domain.GeometryBar, Length: 2000, MaterialTypeID: "steel", Quantity: 3},
		{ID: "item-2", OrderID: "ord-1", GeometryType: domain.GeometryBar, Length: 1500, MaterialTypeID: "steel", Quantity: 2},
	}
	for _, it := range items {
		require.NoError(t, st.OrderItems().Insert(ctx, it))
		require.NoError(t, st.JobItems().Insert(ctx, domain.CuttingJobItem{
			ID:           "ji-" + it.ID,
			CuttingJobID: "job-1",
			OrderItemID:  it.ID,
			Quantity:     it.Quantity,
		}))
	}
	require.NoError(t, st.Scenarios().Insert(ctx, domain.OptimizationScenario{
		ID:        "sc-1",
		JobID:     "job-1",
		Name:      "baseline",
		Kerf:      i64(3),
		Status:    "PENDING",
		CreatedAt: time.Now(),
	}))
}

func TestRunPersistsPlanAtomically(t *testing.T) {
	eng, st, bus, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)

	data, err := eng.Run(ctx, RunInput{CuttingJobID: "job-1", ScenarioID: "sc-1"})
	require.NoError(t, err)
	require.Equal(t, "PLAN-00001", data.PlanNumber)
	require.Zero(t, data.UnplacedCount)
	// 3x2000 + 2x1500 + kerf fit two 6000mm bars.
	require.Equal(t, 2, data.StockUsedCount)

	plans, err := st.Plans().ListByScenario(ctx, "sc-1")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, domain.PlanDraft, plans[0].Status)
	require.Equal(t, data.TotalWaste, plans[0].TotalWaste)

	rows, err := st.PlanStocks().ListByPlan(ctx, data.PlanID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	placed := 0
	for _, row := range rows {
		require.Equal(t, "bar-6000", row.StockItemID)
		placed += len(row.Placements)
		for i, p := range row.Placements {
			require.Equal(t, i, p.SequenceIndex)
		}
	}
	require.Equal(t, 5, placed)

	item, err := st.Stocks().Get(ctx, "bar-6000")
	require.NoError(t, err)
	require.Equal(t, 2, item.ReservedQty)

	job, err := st.Jobs().Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobOptimized, job.Status)

	sc, err := st.Scenarios().Get(ctx, "sc-1")
	require.NoError(t, err)
	require.Equal(t, domain.ScenarioCompleted, sc.Status)

	recent := bus.Recent(1)
	require.Equal(t, events.TypeOptimizationCompleted, recent[0].Type)
	payload := recent[0].Payload.(events.OptimizationCompleted)
	require.Equal(t, data.PlanID, payload.PlanID)
	require.Equal(t, data.EfficiencyBP, payload.EfficiencyBP)
}

func TestRunFailurePersistsNothing(t *testing.T) {
	eng, st, bus, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)

	// Pieces longer than any bar: nothing can be placed.
	require.NoError(t, st.OrderItems().Insert(ctx, domain.OrderItem{
		ID: "item-3", OrderID: "ord-1", GeometryType: domain.GeometryBar,
		Length: 9000, MaterialTypeID: "steel", Quantity: 1,
	}))
	require.NoError(t, st.JobItems().Insert(ctx, domain.CuttingJobItem{
		ID: "ji-item-3", CuttingJobID: "job-2", OrderItemID: "item-3", Quantity: 1,
	}))
	require.NoError(t, st.Jobs().Insert(ctx, domain.CuttingJob{
		ID: "job-2", JobNumber: "JOB-002", MaterialTypeID: "steel",
		Status: domain.JobPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.Scenarios().Insert(ctx, domain.OptimizationScenario{
		ID: "sc-2", JobID: "job-2", Kerf: i64(3), Status: "PENDING", CreatedAt: time.Now(),
	}))

	_, err := eng.Run(ctx, RunInput{CuttingJobID: "job-2", ScenarioID: "sc-2"})
	require.True(t, domain.IsKind(err, domain.KindValidation))

	plans, err := st.Plans().ListByScenario(ctx, "sc-2")
	require.NoError(t, err)
	require.Empty(t, plans)

	item, err := st.Stocks().Get(ctx, "bar-6000")
	require.NoError(t, err)
	require.Zero(t, item.ReservedQty)

	job, err := st.Jobs().Get(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)

	recent := bus.Recent(1)
	require.Equal(t, events.TypeOptimizationFailed, recent[0].Type)
	require.Equal(t, string(domain.KindValidation), recent[0].Payload.(events.OptimizationFailed).Reason)
}

func TestRunRequiresTenant(t *testing.T) {
	eng, _, _, _ := testEngine(t)
	_, err := eng.Run(context.Background(), RunInput{CuttingJobID: "job-1", ScenarioID: "sc-1"})
	require.True(t, domain.IsKind(err, domain.KindNoTenantContext))
}

func TestRunGuardsJobState(t *testing.T) {
	eng, st, _, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)
	require.NoError(t, st.Jobs().Transition(ctx, "job-1", domain.JobPending, domain.JobOptimizing))

	_, err := eng.Run(ctx, RunInput{CuttingJobID: "job-1", ScenarioID: "sc-1"})
	require.True(t, domain.IsKind(err, domain.KindInvalidState))
}

func TestRunRejectsCompletedScenario(t *testing.T) {
	eng, st, _, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)
	require.NoError(t, st.Scenarios().SetStatus(ctx, "sc-1", domain.ScenarioCompleted))

	_, err := eng.Run(ctx, RunInput{CuttingJobID: "job-1", ScenarioID: "sc-1"})
	require.True(t, domain.IsKind(err, domain.KindInvalidState))
}

func TestRunValidatesParametersSchema(t *testing.T) {
	eng, st, _, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)
	require.NoError(t, st.Scenarios().Insert(ctx, domain.OptimizationScenario{
		ID: "sc-bad", JobID: "job-1", Kerf: i64(3), Status: "PENDING",
		ParametersJSON: `{"kerf": -1}`,
		CreatedAt:      time.Now(),
	}))

	_, err := eng.Run(ctx, RunInput{CuttingJobID: "job-1", ScenarioID: "sc-bad"})
	require.True(t, domain.IsKind(err, domain.KindValidation))

	// The schema failure happens before any state change.
	job, err := st.Jobs().Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, job.Status)
}

func TestRunRejectsMismatchedAlgorithm(t *testing.T) {
	eng, st, _, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)

	_, err := eng.Run(ctx, RunInput{
		CuttingJobID: "job-1", ScenarioID: "sc-1", Algorithm: "2D_BOTTOM_LEFT",
	})
	require.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestStockLowPublished(t *testing.T) {
	eng, st, bus, ctx := testEngine(t)
	// Two bars needed out of three: one free unit remains, below the
	// default threshold of five.
	seedBarJob(t, st, ctx, 3)

	_, err := eng.Run(ctx, RunInput{CuttingJobID: "job-1", ScenarioID: "sc-1"})
	require.NoError(t, err)

	var low []events.Event
	for _, evt := range bus.Recent(0) {
		if evt.Type == events.TypeStockLow {
			low = append(low, evt)
		}
	}
	require.Len(t, low, 1)
	payload := low[0].Payload.(events.StockLow)
	require.Equal(t, "bar-6000", payload.StockItemID)
	require.Equal(t, 1, payload.CurrentQty)
}

func TestTwoDimensionalRun(t *testing.T) {
	eng, st, _, ctx := testEngine(t)
	require.NoError(t, st.Stocks().Insert(ctx, domain.StockItem{
		ID: "sheet-1", Code: "S-1", MaterialTypeID: "steel",
		StockType: domain.StockSheet2D, Width: 1000, Height: 700,
		Quantity: 5, UnitPrice: 400,
	}))
	require.NoError(t, st.Jobs().Insert(ctx, domain.CuttingJob{
		ID: "job-2d", JobNumber: "JOB-2D", MaterialTypeID: "steel",
		Status: domain.JobPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.OrderItems().Insert(ctx, domain.OrderItem{
		ID: "item-sheet", OrderID: "ord-1", GeometryType: domain.GeometrySheet,
		Length: 600, Width: 300, MaterialTypeID: "steel", Quantity: 2, CanRotate: true,
	}))
	require.NoError(t, st.JobItems().Insert(ctx, domain.CuttingJobItem{
		ID: "ji-sheet", CuttingJobID: "job-2d", OrderItemID: "item-sheet", Quantity: 2,
	}))
	require.NoError(t, st.Scenarios().Insert(ctx, domain.OptimizationScenario{
		ID: "sc-2d", JobID: "job-2d", Kerf: i64(3), AllowRotation: boolp(true),
		Status: "PENDING", CreatedAt: time.Now(),
	}))

	data, err := eng.Run(ctx, RunInput{CuttingJobID: "job-2d", ScenarioID: "sc-2d"})
	require.NoError(t, err)
	require.Zero(t, data.UnplacedCount)
	require.Equal(t, 1, data.StockUsedCount)

	rows, err := st.PlanStocks().ListByPlan(ctx, data.PlanID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Placements, 2)
}

func TestRunRejectsTerminalJobStatus(t *testing.T) {
	eng, st, bus, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)
	require.NoError(t, st.Jobs().Insert(ctx, domain.CuttingJob{
		ID: "job-done", JobNumber: "JOB-003", MaterialTypeID: "steel",
		Status: domain.JobCompleted, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.Scenarios().Insert(ctx, domain.OptimizationScenario{
		ID: "sc-done", JobID: "job-done", Status: "PENDING", CreatedAt: time.Now(),
	}))

	_, err := eng.Run(ctx, RunInput{CuttingJobID: "job-done", ScenarioID: "sc-done"})
	require.True(t, domain.IsKind(err, domain.KindInvalidState))

	// A completed job must never re-enter the optimization lifecycle.
	job, err := st.Jobs().Get(ctx, "job-done")
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, job.Status)

	recent := bus.Recent(1)
	require.Equal(t, events.TypeOptimizationFailed, recent[0].Type)
	require.Equal(t, string(domain.KindInvalidState), recent[0].Payload.(events.OptimizationFailed).Reason)
}

func TestRunHonorsExplicitZeroKerf(t *testing.T) {
	eng, st, _, ctx := testEngine(t)
	require.NoError(t, st.Stocks().Insert(ctx, domain.StockItem{
		ID: "bar-6000", Code: "B-6000", MaterialTypeID: "steel",
		StockType: domain.StockBar1D, Length: 6000, Quantity: 10, UnitPrice: 100,
	}))
	require.NoError(t, st.Jobs().Insert(ctx, domain.CuttingJob{
		ID: "job-k0", JobNumber: "JOB-K0", MaterialTypeID: "steel",
		Status: domain.JobPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.OrderItems().Insert(ctx, domain.OrderItem{
		ID: "item-k0", OrderID: "ord-1", GeometryType: domain.GeometryBar,
		Length: 2000, MaterialTypeID: "steel", Quantity: 3,
	}))
	require.NoError(t, st.JobItems().Insert(ctx, domain.CuttingJobItem{
		ID: "ji-k0", CuttingJobID: "job-k0", OrderItemID: "item-k0", Quantity: 3,
	}))
	require.NoError(t, st.Scenarios().Insert(ctx, domain.OptimizationScenario{
		ID: "sc-k0", JobID: "job-k0", Kerf: i64(0), Status: "PENDING", CreatedAt: time.Now(),
	}))

	data, err := eng.Run(ctx, RunInput{CuttingJobID: "job-k0", ScenarioID: "sc-k0"})
	require.NoError(t, err)
	require.Zero(t, data.UnplacedCount)
	// Three 2000mm pieces fill one 6000mm bar exactly. Any kerf at all
	// would push the third piece onto a second bar.
	require.Equal(t, 1, data.StockUsedCount)
	require.Zero(t, data.TotalWaste)
}

func TestRunInputDisablesRotation(t *testing.T) {
	eng, st, _, ctx := testEngine(t)
	require.NoError(t, st.Stocks().Insert(ctx, domain.StockItem{
		ID: "sheet-r", Code: "S-R", MaterialTypeID: "steel",
		StockType: domain.StockSheet2D, Width: 610, Height: 310,
		Quantity: 3, UnitPrice: 400,
	}))
	require.NoError(t, st.Jobs().Insert(ctx, domain.CuttingJob{
		ID: "job-rot", JobNumber: "JOB-ROT", MaterialTypeID: "steel",
		Status: domain.JobPending, CreatedAt: time.Now(),
	}))
	// The piece only fits the sheet rotated.
	require.NoError(t, st.OrderItems().Insert(ctx, domain.OrderItem{
		ID: "item-rot", OrderID: "ord-1", GeometryType: domain.GeometrySheet,
		Length: 300, Width: 600, MaterialTypeID: "steel", Quantity: 1, CanRotate: true,
	}))
	require.NoError(t, st.JobItems().Insert(ctx, domain.CuttingJobItem{
		ID: "ji-rot", CuttingJobID: "job-rot", OrderItemID: "item-rot", Quantity: 1,
	}))
	require.NoError(t, st.Scenarios().Insert(ctx, domain.OptimizationScenario{
		ID: "sc-rot", JobID: "job-rot", Kerf: i64(3), AllowRotation: boolp(true),
		Status: "PENDING", CreatedAt: time.Now(),
	}))

	// The explicit false override beats the scenario's stored true.
	_, err := eng.Run(ctx, RunInput{
		CuttingJobID: "job-rot", ScenarioID: "sc-rot", AllowRotation: boolp(false),
	})
	require.True(t, domain.IsKind(err, domain.KindValidation))

	// Without the override the scenario's flag applies; a FAILED job may
	// re-enter OPTIMIZING.
	data, err := eng.Run(ctx, RunInput{CuttingJobID: "job-rot", ScenarioID: "sc-rot"})
	require.NoError(t, err)
	require.Equal(t, 1, data.StockUsedCount)
	require.Zero(t, data.UnplacedCount)
}

func TestRunTimeoutFailsJob(t *testing.T) {
	st := inmem.New()
	bus := events.NewBus()
	sleeper := func(ctx context.Context, _ pool.Task, _ func(float64)) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return packing.Result{}, nil
	}
	p := pool.New(config.Pool{
		MinWorkers:    1,
		MaxWorkers:    1,
		IdleTimeoutMS: 60_000,
		MaxQueue:      4,
	}, pool.WithRunner(pool.Kind1D, sleeper))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	cfg := config.Default().Optimization
	cfg.Timeout1DMS = 30
	eng, err := New(Options{Store: st, Pool: p, Bus: bus, Config: cfg})
	require.NoError(t, err)
	ctx := tenant.WithTenant(context.Background(), "t1")
	seedBarJob(t, st, ctx, 10)

	_, err = eng.Run(ctx, RunInput{
		CuttingJobID: "job-1", ScenarioID: "sc-1", CorrelationID: "corr-7",
	})
	require.True(t, domain.IsKind(err, domain.KindTimeout))

	plans, err := st.Plans().ListByScenario(ctx, "sc-1")
	require.NoError(t, err)
	require.Empty(t, plans)

	job, err := st.Jobs().Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)

	recent := bus.Recent(1)
	require.Equal(t, events.TypeOptimizationFailed, recent[0].Type)
	require.Equal(t, "corr-7", recent[0].CorrelationID)
	require.Equal(t, string(domain.KindTimeout), recent[0].Payload.(events.OptimizationFailed).Reason)
}
