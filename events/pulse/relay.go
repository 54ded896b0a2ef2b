package pulse

import (
	"context"
	"errors"

	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/telemetry"
)

// DefaultSubject is the stream every core event lands on unless the relay
// or consumer is told otherwise.
const DefaultSubject = "cutcore:events"

type (
	// RelayOptions configures a bus-to-broker relay.
	RelayOptions struct {
		// Client is the broker client. Required.
		Client Client
		// Bus is the local bus to forward from. Required.
		Bus *events.Bus
		// Subject names the target stream. Defaults to DefaultSubject.
		Subject string
		// Types restricts which event types are forwarded. Defaults to
		// every type the core emits.
		Types []string
		// Logger receives forwarding failures. Defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics counts forwarded and failed entries. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Relay subscribes to a local bus and appends every matching event to a
	// broker stream as a JSON envelope. Forwarding failures are logged and
	// counted; the local dispatch already happened and is never rolled back.
	Relay struct {
		bus     *events.Bus
		stream  Stream
		subject string
		types   []string
		log     telemetry.Logger
		metrics telemetry.Metrics
		subs    []events.Subscription
	}
)

// NewRelay opens the target stream and builds the relay. Call Start to
// begin forwarding.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Client == nil {
		return nil, errors.New("broker client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	subject := opts.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	types := opts.Types
	if len(types) == 0 {
		types = events.Types()
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	stream, err := opts.Client.Stream(subject)
	if err != nil {
		return nil, err
	}
	return &Relay{
		bus:     opts.Bus,
		stream:  stream,
		subject: subject,
		types:   types,
		log:     log,
		metrics: metrics,
	}, nil
}

// Start registers the relay for every configured event type. Calling Start
// twice is a no-op.
func (r *Relay) Start() {
	if len(r.subs) > 0 {
		return
	}
	for _, eventType := range r.types {
		r.subs = append(r.subs, r.bus.Subscribe(eventType, r.forward))
	}
}

// Stop removes all relay registrations.
func (r *Relay) Stop() {
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	r.subs = nil
}

func (r *Relay) forward(ctx context.Context, evt events.Event) error {
	if brokerOrigin(ctx) {
		return nil
	}
	data, err := encodeEnvelope(evt)
	if err != nil {
		r.metrics.IncCounter("broker.relay.failed", 1, "type", evt.Type)
		return err
	}
	if _, err := r.stream.Add(ctx, evt.Type, data); err != nil {
		r.metrics.IncCounter("broker.relay.failed", 1, "type", evt.Type)
		r.log.Error(ctx, "broker relay append failed",
			"subject", r.subject, "event_type", evt.Type, "err", err)
		return err
	}
	r.metrics.IncCounter("broker.relay.forwarded", 1, "type", evt.Type)
	return nil
}
