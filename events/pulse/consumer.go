package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/pulse/streaming"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/telemetry"
)

type (
	// ConsumerOptions configures a broker-to-bus consumer.
	ConsumerOptions struct {
		// Client is the broker client. Required.
		Client Client
		// Bus receives decoded events when no Handler is set. One of Bus
		// or Handler is required.
		Bus *events.Bus
		// Handler overrides the default re-publish behavior.
		Handler events.Handler
		// Subject names the stream to consume. Defaults to DefaultSubject.
		Subject string
		// Group names the consumer group. Every process sharing a group
		// splits the stream; distinct groups each see everything.
		Group string
		// Logger receives consume failures. Defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics counts processed, retried and dead-lettered entries.
		Metrics telemetry.Metrics
		// Config carries delivery limits and ack timeout.
		Config config.Broker
	}

	// Consumer reads a broker consumer group, decodes envelopes and hands
	// them to the handler. A failed delivery stays unacked so the broker
	// redelivers it; once an entry exhausts its deliveries it moves to the
	// "<subject>:dead" stream and is acked.
	Consumer struct {
		client  Client
		bus     *events.Bus
		handler events.Handler
		subject string
		group   string
		log     telemetry.Logger
		metrics telemetry.Metrics
		cfg     config.Broker

		mu         sync.Mutex
		deliveries map[string]int

		sink   Sink
		dead   Stream
		cancel context.CancelFunc
		done   chan struct{}
	}
)

const defaultGroup = "cutcore"

// NewConsumer validates the options and builds the consumer. Call Start to
// begin reading.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, errors.New("broker client is required")
	}
	if opts.Bus == nil && opts.Handler == nil {
		return nil, errors.New("a bus or a handler is required")
	}
	subject := opts.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	group := opts.Group
	if group == "" {
		group = defaultGroup
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	cfg := opts.Config
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = config.Default().Broker.MaxDeliveries
	}
	c := &Consumer{
		client:     opts.Client,
		bus:        opts.Bus,
		handler:    opts.Handler,
		subject:    subject,
		group:      group,
		log:        log,
		metrics:    metrics,
		cfg:        cfg,
		deliveries: make(map[string]int),
	}
	if c.handler == nil {
		c.handler = c.republish
	}
	return c, nil
}

// republish puts a decoded event back on the local bus. The context is
// marked so a relay on the same bus does not echo it to the broker.
func (c *Consumer) republish(ctx context.Context, evt events.Event) error {
	c.bus.Publish(WithBrokerOrigin(ctx), evt)
	return nil
}

// Start opens the consumer group and begins reading in a goroutine. The
// dead-letter stream is opened up front so poison entries have somewhere
// to go even when Redis degrades later.
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := c.client.Stream(c.subject)
	if err != nil {
		return err
	}
	dead, err := c.client.Stream(c.subject + ":dead")
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, c.group)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.sink = sink
	c.dead = dead
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.consume(runCtx)
	return nil
}

// Stop halts consumption, closes the sink and waits for the read loop to
// exit.
func (c *Consumer) Stop(ctx context.Context) {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.sink.Close(ctx)
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *Consumer) consume(ctx context.Context) {
	defer close(c.done)
	ch := c.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(ctx, entry)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, entry *streaming.Event) {
	evt, err := decodeEnvelope(entry.Payload)
	if err != nil {
		// Malformed entries never succeed on retry.
		c.log.Error(ctx, "broker entry undecodable, dead-lettering",
			"subject", c.subject, "entry_id", entry.ID, "err", err)
		c.deadLetter(ctx, entry)
		return
	}
	attempt := c.recordDelivery(entry.ID)
	if err := c.handler(ctx, evt); err != nil {
		if attempt >= c.cfg.MaxDeliveries {
			c.log.Error(ctx, "broker entry exhausted deliveries, dead-lettering",
				"subject", c.subject, "entry_id", entry.ID, "event_type", evt.Type,
				"deliveries", attempt, "err", err)
			c.deadLetter(ctx, entry)
			return
		}
		// Leave the entry unacked so the broker redelivers it.
		c.metrics.IncCounter("broker.consume.retried", 1, "type", evt.Type)
		c.log.Warn(ctx, "broker entry failed, awaiting redelivery",
			"subject", c.subject, "entry_id", entry.ID, "event_type", evt.Type,
			"attempt", attempt, "err", err)
		return
	}
	c.forgetDelivery(entry.ID)
	c.metrics.IncCounter("broker.consume.processed", 1, "type", evt.Type)
	c.ack(ctx, entry)
}

// deadLetter copies the raw entry to the dead stream, then acks it.
func (c *Consumer) deadLetter(ctx context.Context, entry *streaming.Event) {
	if _, err := c.dead.Add(ctx, entry.EventName, entry.Payload); err != nil {
		// Keep the entry pending rather than lose it.
		c.log.Error(ctx, "dead-letter append failed",
			"subject", c.subject, "entry_id", entry.ID, "err", err)
		return
	}
	c.forgetDelivery(entry.ID)
	c.metrics.IncCounter("broker.consume.dead_lettered", 1)
	c.ack(ctx, entry)
}

func (c *Consumer) ack(ctx context.Context, entry *streaming.Event) {
	if c.cfg.AckTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AckTimeout())
		defer cancel()
	}
	if err := c.sink.Ack(ctx, entry); err != nil {
		c.log.Error(ctx, "broker ack failed",
			"subject", c.subject, "entry_id", entry.ID, "err", err)
	}
}

func (c *Consumer) recordDelivery(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries[id]++
	return c.deliveries[id]
}

func (c *Consumer) forgetDelivery(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deliveries, id)
}
