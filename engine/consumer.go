package engine

import (
	"context"
	"errors"

	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/telemetry"
	"github.com/cutfactor/cutcore/tenant"
)

// Consumer drives the engine from OPTIMIZATION_RUN_REQUESTED events. The
// engine converts every run failure into an OPTIMIZATION_FAILED event, so
// the consumer only logs; it never propagates and never panics out.
type Consumer struct {
	engine *Engine
	bus    *events.Bus
	log    telemetry.Logger
}

// NewConsumer builds the consumer. A nil logger falls back to the noop
// logger.
func NewConsumer(engine *Engine, bus *events.Bus, log telemetry.Logger) (*Consumer, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Consumer{engine: engine, bus: bus, log: log}, nil
}

// Start subscribes the consumer and returns the subscription token.
func (c *Consumer) Start() events.Subscription {
	return c.bus.Subscribe(events.TypeOptimizationRunRequested, c.handle)
}

func (c *Consumer) handle(ctx context.Context, evt events.Event) error {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(ctx, "optimization consumer panicked", "event_type", evt.Type, "panic", r)
		}
	}()
	req, ok := evt.Payload.(events.OptimizationRunRequested)
	if !ok {
		c.log.Warn(ctx, "unexpected run-requested payload", "event_type", evt.Type)
		return nil
	}
	if evt.TenantID != "" {
		ctx = tenant.WithTenant(ctx, evt.TenantID)
	}
	data, err := c.engine.Run(ctx, RunInput{
		CuttingJobID:  req.CuttingJobID,
		ScenarioID:    req.ScenarioID,
		Algorithm:     req.Algorithm,
		Kerf:          req.Kerf,
		AllowRotation: req.AllowRotation,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		c.log.Error(ctx, "optimization run failed",
			"scenario_id", req.ScenarioID, "correlation_id", req.CorrelationID, "err", err)
		return nil
	}
	c.log.Info(ctx, "optimization run completed",
		"scenario_id", req.ScenarioID, "plan_id", data.PlanID, "plan_number", data.PlanNumber)
	return nil
}
