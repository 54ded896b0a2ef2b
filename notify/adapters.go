package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/cutfactor/cutcore/domain"
)

type (
	// Receipt is the outcome one adapter reports for one delivery.
	Receipt struct {
		Status     domain.DeliveryStatus
		SentAt     time.Time
		ExternalID string
	}

	// Adapter delivers a payload to one recipient over one channel.
	// Unavailable adapters are skipped without counting as failures.
	Adapter interface {
		Name() domain.Channel
		Send(ctx context.Context, recipient, payload string) (Receipt, error)
		IsAvailable() bool
	}

	// Gateway is the external delivery backend an adapter wraps. Send
	// returns the provider's message identifier.
	Gateway interface {
		Send(ctx context.Context, recipient, payload string) (string, error)
	}

	// gatewayAdapter delivers through an external gateway, optionally
	// throttled by a shared limiter.
	gatewayAdapter struct {
		name    domain.Channel
		gateway Gateway
		limiter *rate.Limiter
	}

	// inAppAdapter has no external side effect: the stored Notification
	// row is the delivery.
	inAppAdapter struct{}
)

// NewEmail wraps an email gateway. Email providers throttle aggressively,
// so sends wait on the limiter.
func NewEmail(gw Gateway, limiter *rate.Limiter) Adapter {
	return &gatewayAdapter{name: domain.ChannelEmail, gateway: gw, limiter: limiter}
}

// NewSMS wraps an SMS gateway, throttled like email.
func NewSMS(gw Gateway, limiter *rate.Limiter) Adapter {
	return &gatewayAdapter{name: domain.ChannelSMS, gateway: gw, limiter: limiter}
}

// NewPush wraps a push gateway.
func NewPush(gw Gateway) Adapter {
	return &gatewayAdapter{name: domain.ChannelPush, gateway: gw}
}

// NewInApp returns the in-app adapter, the canonical always-available
// fallback.
func NewInApp() Adapter { return inAppAdapter{} }

func (a *gatewayAdapter) Name() domain.Channel { return a.name }

func (a *gatewayAdapter) IsAvailable() bool { return a.gateway != nil }

func (a *gatewayAdapter) Send(ctx context.Context, recipient, payload string) (Receipt, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Receipt{Status: domain.DeliveryFailed}, err
		}
	}
	externalID, err := a.gateway.Send(ctx, recipient, payload)
	if err != nil {
		return Receipt{Status: domain.DeliveryFailed}, err
	}
	return Receipt{
		Status:     domain.DeliverySent,
		SentAt:     time.Now(),
		ExternalID: externalID,
	}, nil
}

func (inAppAdapter) Name() domain.Channel { return domain.ChannelInApp }

func (inAppAdapter) IsAvailable() bool { return true }

func (inAppAdapter) Send(context.Context, string, string) (Receipt, error) {
	return Receipt{Status: domain.DeliveryDelivered, SentAt: time.Now()}, nil
}
