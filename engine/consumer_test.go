package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
)

func TestConsumerRunsRequestedOptimizations(t *testing.T) {
	eng, st, bus, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)

	consumer, err := NewConsumer(eng, bus, nil)
	require.NoError(t, err)
	consumer.Start()

	// The publisher carries no tenant binding; the consumer binds it from
	// the envelope.
	bus.Publish(context.Background(), events.Event{
		Type:     events.TypeOptimizationRunRequested,
		TenantID: "t1",
		Payload: events.OptimizationRunRequested{
			CuttingJobID:  "job-1",
			ScenarioID:    "sc-1",
			CorrelationID: "corr-1",
		},
	})

	var completed *events.Event
	for _, evt := range bus.Recent(0) {
		if evt.Type == events.TypeOptimizationCompleted {
			completed = &evt
			break
		}
	}
	require.NotNil(t, completed)
	require.Equal(t, "corr-1", completed.CorrelationID)
	require.Equal(t, "t1", completed.TenantID)

	plans, err := st.Plans().ListByScenario(ctx, "sc-1")
	require.NoError(t, err)
	require.Len(t, plans, 1)
}

func TestConsumerConvertsEngineErrors(t *testing.T) {
	eng, st, bus, ctx := testEngine(t)
	seedBarJob(t, st, ctx, 10)

	consumer, err := NewConsumer(eng, bus, nil)
	require.NoError(t, err)
	consumer.Start()

	// Unknown scenario: the engine fails before any state change and the
	// consumer swallows the error.
	bus.Publish(context.Background(), events.Event{
		Type:     events.TypeOptimizationRunRequested,
		TenantID: "t1",
		Payload: events.OptimizationRunRequested{
			CuttingJobID:  "job-1",
			ScenarioID:    "missing",
			CorrelationID: "corr-2",
		},
	})

	job, err := st.Jobs().Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, job.Status)

	// Requesters still learn the outcome even though nothing transitioned.
	var failed *events.Event
	for _, evt := range bus.Recent(0) {
		if evt.Type == events.TypeOptimizationFailed {
			failed = &evt
			break
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, "corr-2", failed.CorrelationID)
	require.Equal(t, "missing", failed.Payload.(events.OptimizationFailed).ScenarioID)
	require.Equal(t, string(domain.KindNotFound), failed.Payload.(events.OptimizationFailed).Reason)
}

func TestConsumerIgnoresForeignPayloads(t *testing.T) {
	eng, _, bus, _ := testEngine(t)
	consumer, err := NewConsumer(eng, bus, nil)
	require.NoError(t, err)
	consumer.Start()

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), events.Event{
			Type:    events.TypeOptimizationRunRequested,
			Payload: "not a run request",
		})
	})
}
