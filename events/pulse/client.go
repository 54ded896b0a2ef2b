// Package pulse bridges the in-process event bus to a durable Redis-backed
// broker built on goa.design/pulse streams. The Relay forwards bus events to
// a stream; the Consumer reads a consumer group, re-publishes decoded events
// on a local bus and dead-letters entries that exhaust their deliveries.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the broker client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds retained entries per stream. Zero keeps the
		// Pulse default.
		StreamMaxLen int
		// StreamOptions, when set, is called once per Stream call and its
		// result is applied to the opened stream.
		StreamOptions func(name string) []streamopts.Stream
		// OperationTimeout bounds individual Add calls. Zero means none.
		OperationTimeout time.Duration
	}

	// Client is the subset of Pulse the relay and consumer need. The
	// indirection keeps tests off Redis.
	Client interface {
		// Stream opens the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The caller owns the Redis
		// connection.
		Close(ctx context.Context) error
	}

	// Stream publishes entries and opens consumer groups.
	Stream interface {
		// Add appends an entry and returns the Redis-assigned ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and everything in it.
		Destroy(ctx context.Context) error
	}

	// Sink is one consumer group membership.
	Sink interface {
		// Subscribe returns the channel entries arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack marks an entry processed so it is not redelivered.
		Ack(context.Context, *streaming.Event) error
		// Close leaves the group and releases resources.
		Close(context.Context)
	}
)

type client struct {
	redis        *redis.Client
	maxLen       int
	streamOptsFn func(name string) []streamopts.Stream
	timeout      time.Duration
}

// New builds a broker client on the given Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:        opts.Redis,
		maxLen:       opts.StreamMaxLen,
		streamOptsFn: opts.StreamOptions,
		timeout:      opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.streamOptsFn != nil {
		streamOptions = append(streamOptions, c.streamOptsFn(name)...)
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %s: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op; the Redis connection lifecycle belongs to the caller.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// handle applies the configured operation timeout on top of a Pulse stream.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter narrows streaming.Sink to the Sink interface; Close drops the
// error return.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
