// Package notify fans platform events out to per-user delivery channels.
// The channel set for a dispatch is the user's configured channels for the
// event type intersected with their enabled channels; users without stored
// preferences get in-app delivery for everything. Channels deliver in
// parallel and fail independently.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/telemetry"
	"github.com/cutfactor/cutcore/tenant"
)

const sendAttempts = 3

// attempt n failed: wait this long before attempt n+1.
var backoff = [...]time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

type (
	// Options configures the notification service.
	Options struct {
		Store    store.Store
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		Config   config.Notifications
		Adapters []Adapter
	}

	// Service resolves preferences and dispatches deliveries.
	Service struct {
		store    store.Store
		log      telemetry.Logger
		metrics  telemetry.Metrics
		enabled  bool
		timeout  time.Duration
		adapters map[domain.Channel]Adapter

		clock func() time.Time
		sleep func(ctx context.Context, d time.Duration) error
	}
)

// New validates the options and builds the service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	timeout := opts.Config.PerChannelTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	adapters := make(map[domain.Channel]Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapters[a.Name()] = a
	}
	if _, ok := adapters[domain.ChannelInApp]; !ok {
		adapters[domain.ChannelInApp] = NewInApp()
	}
	return &Service{
		store:    opts.Store,
		log:      log,
		metrics:  metrics,
		enabled:  opts.Config.Enabled,
		timeout:  timeout,
		adapters: adapters,
		clock:    time.Now,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch delivers the event payload to every recipient over their
// resolved channel set and returns the recorded Notification rows. A
// recipient whose configured channels all fail still gets an in-app
// notification when the in-app adapter is available.
func (s *Service) Dispatch(ctx context.Context, eventType string, recipients []string, payloadJSON string) ([]domain.Notification, error) {
	if !s.enabled {
		return nil, nil
	}
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		rows []domain.Notification
	)
	record := func(ctx context.Context, n domain.Notification) error {
		if err := s.store.Notifications().Insert(ctx, n); err != nil {
			return err
		}
		mu.Lock()
		rows = append(rows, n)
		mu.Unlock()
		return nil
	}

	for _, userID := range recipients {
		prefs, err := s.preferencesFor(ctx, tid, userID)
		if err != nil {
			return rows, err
		}
		channels := prefs.ChannelsFor(eventType)
		if len(channels) == 0 {
			continue
		}

		var anySent atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		for _, ch := range channels {
			g.Go(func() error {
				n := s.deliver(gctx, ch, userID, eventType, payloadJSON)
				n.TenantID = tid
				if n.Status == domain.DeliverySent || n.Status == domain.DeliveryDelivered {
					anySent.Store(true)
				}
				return record(gctx, n)
			})
		}
		if err := g.Wait(); err != nil {
			return rows, err
		}

		// All configured channels failed: fall back to in-app so the
		// user still sees the event, unless in-app already ran above.
		if !anySent.Load() && !containsChannel(channels, domain.ChannelInApp) {
			if fallback, ok := s.adapters[domain.ChannelInApp]; ok && fallback.IsAvailable() {
				n := s.deliver(ctx, domain.ChannelInApp, userID, eventType, payloadJSON)
				n.TenantID = tid
				if err := record(ctx, n); err != nil {
					return rows, err
				}
			}
		}
	}
	return rows, nil
}

// preferencesFor loads the user's stored preferences or falls back to the
// platform defaults.
func (s *Service) preferencesFor(ctx context.Context, tenantID, userID string) (domain.NotificationPreferences, error) {
	prefs, ok, err := s.store.Preferences().Get(ctx, userID)
	if err != nil {
		return domain.NotificationPreferences{}, err
	}
	if !ok {
		return domain.DefaultNotificationPreferences(tenantID, userID, events.Types()), nil
	}
	return prefs, nil
}

// deliver drives one adapter with retries and records the outcome. Errors
// never propagate past the returned row; a broken channel must not block
// the others.
func (s *Service) deliver(ctx context.Context, ch domain.Channel, userID, eventType, payloadJSON string) domain.Notification {
	n := domain.Notification{
		ID:          domain.NewID(),
		UserID:      userID,
		EventType:   eventType,
		Channel:     ch,
		PayloadJSON: payloadJSON,
		CreatedAt:   s.clock(),
	}

	adapter, ok := s.adapters[ch]
	if !ok || !adapter.IsAvailable() {
		n.Status = domain.DeliverySkipped
		s.metrics.IncCounter("notify.skipped", 1, "channel", string(ch))
		return n
	}

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, backoff[attempt-1]); err != nil {
				lastErr = err
				break
			}
		}
		receipt, err := s.send(ctx, adapter, userID, payloadJSON)
		if err == nil {
			n.Status = receipt.Status
			n.ExternalID = receipt.ExternalID
			if !receipt.SentAt.IsZero() {
				at := receipt.SentAt
				n.SentAt = &at
			}
			s.metrics.IncCounter("notify.sent", 1, "channel", string(ch))
			return n
		}
		lastErr = err
		s.log.Warn(ctx, "notification send failed",
			"channel", string(ch), "user_id", userID, "attempt", attempt+1, "err", err)
	}

	n.Status = domain.DeliveryFailed
	if lastErr != nil {
		n.Error = lastErr.Error()
	}
	s.metrics.IncCounter("notify.failed", 1, "channel", string(ch))
	return n
}

// send runs one adapter attempt under the per-channel timeout.
func (s *Service) send(ctx context.Context, adapter Adapter, recipient, payload string) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return adapter.Send(ctx, recipient, payload)
}

// Preferences returns the user's effective preferences, stored or default.
func (s *Service) Preferences(ctx context.Context, userID string) (domain.NotificationPreferences, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return domain.NotificationPreferences{}, err
	}
	return s.preferencesFor(ctx, tid, userID)
}

// SavePreferences stores the user's preferences, replacing any previous
// ones.
func (s *Service) SavePreferences(ctx context.Context, prefs domain.NotificationPreferences) error {
	if prefs.UserID == "" {
		return domain.E(domain.KindValidation, "user id is required")
	}
	return s.store.Preferences().Upsert(ctx, prefs)
}

// ListForUser returns the user's most recent notifications.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	return s.store.Notifications().ListByUser(ctx, userID, limit)
}

func containsChannel(channels []domain.Channel, ch domain.Channel) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}
