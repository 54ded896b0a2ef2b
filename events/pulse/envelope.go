package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cutfactor/cutcore/events"
)

// envelope is the wire form of a bus event. Payload stays raw until the
// event type picks its concrete shape.
type envelope struct {
	Type          string          `json:"type"`
	Aggregate     string          `json:"aggregate,omitempty"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(evt events.Event) ([]byte, error) {
	env := envelope{
		Type:          evt.Type,
		Aggregate:     evt.Aggregate,
		AggregateID:   evt.AggregateID,
		TenantID:      evt.TenantID,
		CorrelationID: evt.CorrelationID,
		OccurredAt:    evt.OccurredAt,
	}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", evt.Type, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", evt.Type, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (events.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return events.Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:          env.Type,
		Aggregate:     env.Aggregate,
		AggregateID:   env.AggregateID,
		TenantID:      env.TenantID,
		CorrelationID: env.CorrelationID,
		OccurredAt:    env.OccurredAt,
		Payload:       payload,
	}, nil
}

// decodePayload rebuilds the typed payload the local bus subscribers
// assert on. Unknown event types keep a generic map so foreign producers
// still flow through.
func decodePayload(eventType string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	unmarshal := func(dst any) error {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", eventType, err)
		}
		return nil
	}
	// Subscribers assert on value payloads, so each case dereferences.
	switch eventType {
	case events.TypeOptimizationRunRequested:
		var p events.OptimizationRunRequested
		err := unmarshal(&p)
		return p, err
	case events.TypeOptimizationCompleted:
		var p events.OptimizationCompleted
		err := unmarshal(&p)
		return p, err
	case events.TypeOptimizationFailed:
		var p events.OptimizationFailed
		err := unmarshal(&p)
		return p, err
	case events.TypeStockLow:
		var p events.StockLow
		err := unmarshal(&p)
		return p, err
	case events.TypeLockAcquired, events.TypeLockReleased:
		var p events.LockChanged
		err := unmarshal(&p)
		return p, err
	case events.TypeMention:
		var p events.Mention
		err := unmarshal(&p)
		return p, err
	case events.TypeActivityRecorded:
		var p events.ActivityRecorded
		err := unmarshal(&p)
		return p, err
	default:
		var p map[string]any
		err := unmarshal(&p)
		return p, err
	}
}

type brokerOriginKey struct{}

// WithBrokerOrigin marks ctx as carrying an event that already crossed the
// broker. The relay skips such events so a consumer and a relay can share
// one bus without echoing.
func WithBrokerOrigin(ctx context.Context) context.Context {
	return context.WithValue(ctx, brokerOriginKey{}, true)
}

func brokerOrigin(ctx context.Context) bool {
	v, _ := ctx.Value(brokerOriginKey{}).(bool)
	return v
}
