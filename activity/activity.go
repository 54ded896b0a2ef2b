// Package activity maintains the tenant-scoped feed: append-only entries
// with mentions, read-state per user, and bounded queries. Recording an
// entry broadcasts it on the bus so real-time subscribers can push it to
// connected clients.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/telemetry"
	"github.com/cutfactor/cutcore/tenant"
)

// Unread counting and mention scans look back this far. Older entries
// stay queryable by explicit filter but no longer count as unread.
const lookback = 90 * 24 * time.Hour

const defaultLimit = 50

type (
	// Notifier delivers mention notifications. Satisfied by
	// notify.Service.
	Notifier interface {
		Dispatch(ctx context.Context, eventType string, recipients []string, payloadJSON string) ([]domain.Notification, error)
	}

	// Options configures the feed service.
	Options struct {
		Store    store.Store
		Bus      *events.Bus
		Notifier Notifier
		Logger   telemetry.Logger
	}

	// Service records and queries feed entries.
	Service struct {
		store    store.Store
		bus      *events.Bus
		notifier Notifier
		log      telemetry.Logger

		clock func() time.Time
	}

	// RecordInput describes one feed entry to append.
	RecordInput struct {
		ActorID      string
		ActivityType string
		TargetType   string
		TargetID     string
		MetadataJSON string
	}

	// metadata is the recognized subset of an entry's metadata document.
	metadata struct {
		MentionedUserIDs []string `json:"mentionedUserIds"`
	}
)

// New validates the options and builds the service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Service{
		store:    opts.Store,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		log:      log,
		clock:    time.Now,
	}, nil
}

// Record appends the entry, broadcasts it, and notifies every user the
// metadata mentions. Mention delivery failures are logged, not returned:
// the entry is already committed.
func (s *Service) Record(ctx context.Context, in RecordInput) (domain.Activity, error) {
	if in.ActorID == "" {
		return domain.Activity{}, domain.E(domain.KindValidation, "actor id is required")
	}
	if in.ActivityType == "" {
		return domain.Activity{}, domain.E(domain.KindValidation, "activity type is required")
	}
	act := domain.Activity{
		ID:           domain.NewID(),
		ActorID:      in.ActorID,
		ActivityType: in.ActivityType,
		TargetType:   in.TargetType,
		TargetID:     in.TargetID,
		MetadataJSON: in.MetadataJSON,
		CreatedAt:    s.clock(),
	}
	if err := s.store.Activities().Insert(ctx, act); err != nil {
		return domain.Activity{}, err
	}
	tid, _ := tenant.MaybeFromContext(ctx)
	s.bus.Publish(ctx, events.Event{
		Type:        events.TypeActivityRecorded,
		Aggregate:   act.TargetType,
		AggregateID: act.TargetID,
		TenantID:    tid,
		Payload: events.ActivityRecorded{
			ActivityID:   act.ID,
			ActivityType: act.ActivityType,
			ActorID:      act.ActorID,
			TargetType:   act.TargetType,
			TargetID:     act.TargetID,
		},
	})
	s.notifyMentions(ctx, act)
	return act, nil
}

func (s *Service) notifyMentions(ctx context.Context, act domain.Activity) {
	for _, userID := range mentionedUsers(act) {
		payload := events.Mention{
			ActivityID:      act.ID,
			MentionedUserID: userID,
			ActorID:         act.ActorID,
			TargetType:      act.TargetType,
			TargetID:        act.TargetID,
		}
		tid, _ := tenant.MaybeFromContext(ctx)
		s.bus.Publish(ctx, events.Event{
			Type:        events.TypeMention,
			Aggregate:   act.TargetType,
			AggregateID: act.TargetID,
			TenantID:    tid,
			Payload:     payload,
		})
		if s.notifier == nil {
			continue
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if _, err := s.notifier.Dispatch(ctx, events.TypeMention, []string{userID}, string(raw)); err != nil {
			s.log.Error(ctx, "mention notification failed",
				"activity_id", act.ID, "user_id", userID, "err", err)
		}
	}
}

// mentionedUsers parses metadata.mentionedUserIds, deduplicated and
// excluding the actor.
func mentionedUsers(act domain.Activity) []string {
	if act.MetadataJSON == "" {
		return nil
	}
	var md metadata
	if err := json.Unmarshal([]byte(act.MetadataJSON), &md); err != nil {
		return nil
	}
	seen := map[string]bool{act.ActorID: true}
	var out []string
	for _, id := range md.MentionedUserIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Feed queries the feed, newest first. A zero limit defaults to 50.
func (s *Service) Feed(ctx context.Context, f store.ActivityFilter) ([]domain.Activity, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	return s.store.Activities().List(ctx, f)
}

// DocumentActivities returns the feed for one document.
func (s *Service) DocumentActivities(ctx context.Context, targetType, targetID string, limit int) ([]domain.Activity, error) {
	return s.Feed(ctx, store.ActivityFilter{TargetType: targetType, TargetID: targetID, Limit: limit})
}

// Mentions returns the recent entries that mention userID.
func (s *Service) Mentions(ctx context.Context, userID string) ([]domain.Activity, error) {
	recent, err := s.store.Activities().List(ctx, store.ActivityFilter{Since: s.clock().Add(-lookback)})
	if err != nil {
		return nil, err
	}
	var out []domain.Activity
	for _, act := range recent {
		for _, id := range mentionedUsers(act) {
			if id == userID {
				out = append(out, act)
				break
			}
		}
	}
	return out, nil
}

// UnreadCount reports how many entries within the lookback window userID
// has not read.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	recent, err := s.store.Activities().List(ctx, store.ActivityFilter{Since: s.clock().Add(-lookback)})
	if err != nil {
		return 0, err
	}
	readIDs, err := s.store.ActivityReads().ReadIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	read := make(map[string]bool, len(readIDs))
	for _, id := range readIDs {
		read[id] = true
	}
	count := 0
	for _, act := range recent {
		if !read[act.ID] {
			count++
		}
	}
	return count, nil
}

// MarkAsRead marks the given entries read for userID. Re-marking is a
// no-op.
func (s *Service) MarkAsRead(ctx context.Context, userID string, activityIDs []string) error {
	now := s.clock()
	for _, id := range activityIDs {
		if err := s.store.ActivityReads().MarkRead(ctx, userID, id, now); err != nil {
			return err
		}
	}
	return nil
}

// MarkAllAsRead marks everything within the lookback window read for
// userID and returns the number of entries newly covered.
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	recent, err := s.store.Activities().List(ctx, store.ActivityFilter{Since: s.clock().Add(-lookback)})
	if err != nil {
		return 0, err
	}
	now := s.clock()
	for _, act := range recent {
		if err := s.store.ActivityReads().MarkRead(ctx, userID, act.ID, now); err != nil {
			return 0, err
		}
	}
	return len(recent), nil
}
