package domain

import "time"

// LockableDocumentType enumerates the document kinds that accept edit
// leases.
type LockableDocumentType string

const (
	LockOrder    LockableDocumentType = "order"
	LockJob      LockableDocumentType = "cutting_job"
	LockScenario LockableDocumentType = "scenario"
	LockPlan     LockableDocumentType = "plan"
	LockStock    LockableDocumentType = "stock_item"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// DeliveryStatus is the per-channel outcome of a notification dispatch.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliverySkipped   DeliveryStatus = "skipped"
)

type (
	// DocumentLock is an exclusive, time-bounded edit lease. The logical
	// primary key is (TenantID, DocumentType, DocumentID); at most one live
	// lock exists per key. A lock is live iff now < ExpiresAt.
	DocumentLock struct {
		TenantID       string               `bson:"tenant_id"`
		DocumentType   LockableDocumentType `bson:"document_type"`
		DocumentID     string               `bson:"document_id"`
		LockedByUserID string               `bson:"locked_by_user_id"`
		LockedAt       time.Time            `bson:"locked_at"`
		ExpiresAt      time.Time            `bson:"expires_at"`
		MetadataJSON   string               `bson:"metadata_json,omitempty"`
	}

	// Activity is one append-only feed entry.
	Activity struct {
		ID           string    `bson:"_id"`
		TenantID     string    `bson:"tenant_id"`
		ActorID      string    `bson:"actor_id"`
		ActivityType string    `bson:"activity_type"`
		TargetType   string    `bson:"target_type,omitempty"`
		TargetID     string    `bson:"target_id,omitempty"`
		MetadataJSON string    `bson:"metadata_json,omitempty"`
		CreatedAt    time.Time `bson:"created_at"`
	}

	// ActivityRead marks an activity as read by a user. The pair
	// (UserID, ActivityID) is unique.
	ActivityRead struct {
		UserID     string    `bson:"user_id"`
		TenantID   string    `bson:"tenant_id"`
		ActivityID string    `bson:"activity_id"`
		ReadAt     time.Time `bson:"read_at"`
	}

	// AuditLog is one append-only audit entry recorded in the same
	// transaction as the mutation it describes.
	AuditLog struct {
		ID            string    `bson:"_id"`
		TenantID      string    `bson:"tenant_id"`
		UserID        string    `bson:"user_id"`
		Action        string    `bson:"action"`
		Module        string    `bson:"module"`
		EntityType    string    `bson:"entity_type"`
		EntityID      string    `bson:"entity_id"`
		PreviousValue string    `bson:"previous_value,omitempty"`
		NewValue      string    `bson:"new_value,omitempty"`
		CreatedAt     time.Time `bson:"created_at"`
	}

	// Notification is one per-channel delivery record.
	Notification struct {
		ID          string         `bson:"_id"`
		TenantID    string         `bson:"tenant_id"`
		UserID      string         `bson:"user_id"`
		EventType   string         `bson:"event_type"`
		Channel     Channel        `bson:"channel"`
		Status      DeliveryStatus `bson:"status"`
		PayloadJSON string         `bson:"payload_json,omitempty"`
		SentAt      *time.Time     `bson:"sent_at,omitempty"`
		Error       string         `bson:"error,omitempty"`
		ExternalID  string         `bson:"external_id,omitempty"`
		CreatedAt   time.Time      `bson:"created_at"`
	}

	// NotificationPreferences maps event types to the channels a user
	// wants. Enabled gates each channel globally for the user.
	NotificationPreferences struct {
		UserID   string               `bson:"user_id"`
		TenantID string               `bson:"tenant_id"`
		Enabled  map[Channel]bool     `bson:"enabled"`
		Events   map[string][]Channel `bson:"events"`
	}
)

// Live reports whether the lock is still held at the given instant. A lock
// exactly at its expiry is treated as expired.
func (l DocumentLock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// ChannelsFor resolves the channel set for an event type: the configured
// channels intersected with the user's enabled channels.
func (p NotificationPreferences) ChannelsFor(eventType string) []Channel {
	configured := p.Events[eventType]
	out := make([]Channel, 0, len(configured))
	for _, ch := range configured {
		if p.Enabled[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// DefaultNotificationPreferences is the fallback applied when a user has no
// stored preferences: in-app delivery for every event type the platform
// emits.
func DefaultNotificationPreferences(tenantID, userID string, eventTypes []string) NotificationPreferences {
	events := make(map[string][]Channel, len(eventTypes))
	for _, et := range eventTypes {
		events[et] = []Channel{ChannelInApp}
	}
	return NotificationPreferences{
		UserID:   userID,
		TenantID: tenantID,
		Enabled:  map[Channel]bool{ChannelInApp: true},
		Events:   events,
	}
}
