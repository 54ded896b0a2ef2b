package engine

import (
	"context"

	"github.com/cutfactor/cutcore/domain"
)

// ApprovePlan moves a draft plan to APPROVED. The reservation made at plan
// creation stays in place for production.
func (e *Engine) ApprovePlan(ctx context.Context, planID, userID string) error {
	plan, err := e.store.Plans().Get(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != domain.PlanDraft {
		return domain.Ef(domain.KindInvalidState, "plan %s is %s, only draft plans can be approved", planID, plan.Status)
	}
	now := e.clock()
	return e.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.Plans().SetStatus(ctx, planID, domain.PlanApproved, userID, now); err != nil {
			return err
		}
		return e.store.AuditLogs().Insert(ctx, domain.AuditLog{
			ID:            domain.NewID(),
			UserID:        userID,
			Action:        "plan.approve",
			Module:        "engine",
			EntityType:    "cutting_plan",
			EntityID:      planID,
			PreviousValue: string(domain.PlanDraft),
			NewValue:      string(domain.PlanApproved),
			CreatedAt:     now,
		})
	})
}

// RejectPlan moves a plan to REJECTED and releases its stock reservations
// in the same transaction.
func (e *Engine) RejectPlan(ctx context.Context, planID, userID string) error {
	plan, err := e.store.Plans().Get(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status == domain.PlanRejected {
		return domain.Ef(domain.KindInvalidState, "plan %s is already rejected", planID)
	}
	now := e.clock()
	return e.store.WithTransaction(ctx, func(ctx context.Context) error {
		units, err := e.planUnits(ctx, planID)
		if err != nil {
			return err
		}
		for stockID, n := range units {
			if err := e.store.Stocks().Release(ctx, stockID, n); err != nil {
				return err
			}
		}
		if err := e.store.Plans().SetStatus(ctx, planID, domain.PlanRejected, userID, now); err != nil {
			return err
		}
		return e.store.AuditLogs().Insert(ctx, domain.AuditLog{
			ID:            domain.NewID(),
			UserID:        userID,
			Action:        "plan.reject",
			Module:        "engine",
			EntityType:    "cutting_plan",
			EntityID:      planID,
			PreviousValue: string(plan.Status),
			NewValue:      string(domain.PlanRejected),
			CreatedAt:     now,
		})
	})
}

// planUnits counts the stock units a plan consumes, per stock item.
func (e *Engine) planUnits(ctx context.Context, planID string) (map[string]int, error) {
	rows, err := e.store.PlanStocks().ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	units := make(map[string]int, len(rows))
	for _, row := range rows {
		units[row.StockItemID]++
	}
	return units, nil
}

// jobForPlan walks plan -> scenario -> job.
func (e *Engine) jobForPlan(ctx context.Context, plan domain.CuttingPlan) (domain.CuttingJob, error) {
	scenario, err := e.store.Scenarios().Get(ctx, plan.ScenarioID)
	if err != nil {
		return domain.CuttingJob{}, err
	}
	return e.store.Jobs().Get(ctx, scenario.JobID)
}

// StartProduction opens a production log for an approved plan. The first
// log moves the job to IN_PRODUCTION.
func (e *Engine) StartProduction(ctx context.Context, planID, operatorID string) (domain.ProductionLog, error) {
	plan, err := e.store.Plans().Get(ctx, planID)
	if err != nil {
		return domain.ProductionLog{}, err
	}
	if plan.Status != domain.PlanApproved {
		return domain.ProductionLog{}, domain.Ef(domain.KindInvalidState, "plan %s is %s, production requires an approved plan", planID, plan.Status)
	}
	job, err := e.jobForPlan(ctx, plan)
	if err != nil {
		return domain.ProductionLog{}, err
	}
	log := domain.ProductionLog{
		ID:            domain.NewID(),
		CuttingPlanID: planID,
		OperatorID:    operatorID,
		Status:        domain.ProductionStarted,
		StartedAt:     e.clock(),
	}
	err = e.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.ProductionLogs().Insert(ctx, log); err != nil {
			return err
		}
		if job.Status == domain.JobOptimized {
			return e.store.Jobs().Transition(ctx, job.ID, domain.JobOptimized, domain.JobInProduction)
		}
		return nil
	})
	if err != nil {
		return domain.ProductionLog{}, err
	}
	return log, nil
}

// CompleteInput closes one production run. OffcutLength reports the
// measurable 1D remnant; a remnant at or above the configured minimum
// returns to inventory as waste-sourced stock.
type CompleteInput struct {
	ProductionLogID string
	ActualWaste     int64
	OffcutLength    int64
}

// CompleteProduction closes the log, consumes the reserved stock, moves
// the job to COMPLETED and returns a usable offcut to inventory, all in
// one transaction.
func (e *Engine) CompleteProduction(ctx context.Context, in CompleteInput) (domain.ProductionLog, error) {
	log, err := e.store.ProductionLogs().Get(ctx, in.ProductionLogID)
	if err != nil {
		return domain.ProductionLog{}, err
	}
	if log.Status != domain.ProductionStarted && log.Status != domain.ProductionPaused {
		return domain.ProductionLog{}, domain.Ef(domain.KindInvalidState, "production log %s is %s", log.ID, log.Status)
	}
	plan, err := e.store.Plans().Get(ctx, log.CuttingPlanID)
	if err != nil {
		return domain.ProductionLog{}, err
	}
	job, err := e.jobForPlan(ctx, plan)
	if err != nil {
		return domain.ProductionLog{}, err
	}

	now := e.clock()
	log.Status = domain.ProductionCompleted
	log.ActualTime = now.Sub(log.StartedAt)
	log.ActualWaste = in.ActualWaste
	log.CompletedAt = &now

	err = e.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.ProductionLogs().Update(ctx, log); err != nil {
			return err
		}
		units, err := e.planUnits(ctx, plan.ID)
		if err != nil {
			return err
		}
		for stockID, n := range units {
			if err := e.store.Stocks().Consume(ctx, stockID, n); err != nil {
				return err
			}
		}
		if job.Status == domain.JobInProduction {
			if err := e.store.Jobs().Transition(ctx, job.ID, domain.JobInProduction, domain.JobCompleted); err != nil {
				return err
			}
		}
		return e.returnOffcut(ctx, job, in.OffcutLength)
	})
	if err != nil {
		return domain.ProductionLog{}, err
	}
	return log, nil
}

// returnOffcut books a measurable 1D remnant back into inventory.
func (e *Engine) returnOffcut(ctx context.Context, job domain.CuttingJob, length int64) error {
	if length < e.cfg.MinWasteReturnMM || length <= 0 {
		return nil
	}
	return e.store.Stocks().Insert(ctx, domain.StockItem{
		ID:             domain.NewID(),
		Code:           "OFFCUT-" + job.JobNumber,
		Name:           "Offcut from " + job.JobNumber,
		MaterialTypeID: job.MaterialTypeID,
		Thickness:      job.Thickness,
		StockType:      domain.StockBar1D,
		Length:         length,
		Quantity:       1,
		IsFromWaste:    true,
	})
}
