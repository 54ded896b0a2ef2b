package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/store/inmem"
	"github.com/cutfactor/cutcore/tenant"
)

type fakeNotifier struct {
	mu         sync.Mutex
	dispatched [][2]string // eventType, recipient
}

func (n *fakeNotifier) Dispatch(ctx context.Context, eventType string, recipients []string, payloadJSON string) ([]domain.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range recipients {
		n.dispatched = append(n.dispatched, [2]string{eventType, r})
	}
	return nil, nil
}

func testService(t *testing.T) (*Service, *fakeNotifier, *events.Bus, context.Context) {
	t.Helper()
	bus := events.NewBus()
	notifier := &fakeNotifier{}
	svc, err := New(Options{Store: inmem.New(), Bus: bus, Notifier: notifier})
	require.NoError(t, err)
	return svc, notifier, bus, tenant.WithTenant(context.Background(), "t1")
}

func record(t *testing.T, svc *Service, ctx context.Context, actor, actType, metadata string) domain.Activity {
	t.Helper()
	act, err := svc.Record(ctx, RecordInput{
		ActorID:      actor,
		ActivityType: actType,
		TargetType:   "order",
		TargetID:     "ord-1",
		MetadataJSON: metadata,
	})
	require.NoError(t, err)
	return act
}

func TestRecordBroadcasts(t *testing.T) {
	svc, _, bus, ctx := testService(t)

	act := record(t, svc, ctx, "alice", "order.created", "")
	require.NotEmpty(t, act.ID)
	require.False(t, act.CreatedAt.IsZero())

	recent := bus.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, events.TypeActivityRecorded, recent[0].Type)
	payload := recent[0].Payload.(events.ActivityRecorded)
	require.Equal(t, act.ID, payload.ActivityID)
	require.Equal(t, "alice", payload.ActorID)
}

func TestRecordValidation(t *testing.T) {
	svc, _, _, ctx := testService(t)

	_, err := svc.Record(ctx, RecordInput{ActivityType: "order.created"})
	require.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.Record(ctx, RecordInput{ActorID: "alice"})
	require.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestMentionsFanOut(t *testing.T) {
	svc, notifier, bus, ctx := testService(t)

	// Duplicates and self-mentions collapse.
	record(t, svc, ctx, "alice", "comment.added",
		`{"mentionedUserIds":["bob","carol","bob","alice"]}`)

	require.Equal(t, [][2]string{
		{events.TypeMention, "bob"},
		{events.TypeMention, "carol"},
	}, notifier.dispatched)

	var mentions []events.Event
	for _, evt := range bus.Recent(0) {
		if evt.Type == events.TypeMention {
			mentions = append(mentions, evt)
		}
	}
	require.Len(t, mentions, 2)
	require.Equal(t, "bob", mentions[0].Payload.(events.Mention).MentionedUserID)
}

func TestMentionsQuery(t *testing.T) {
	svc, _, _, ctx := testService(t)

	record(t, svc, ctx, "alice", "comment.added", `{"mentionedUserIds":["bob"]}`)
	record(t, svc, ctx, "alice", "comment.added", `{"mentionedUserIds":["carol"]}`)
	tagged := record(t, svc, ctx, "carol", "comment.added", `{"mentionedUserIds":["bob"]}`)

	got, err := svc.Mentions(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, tagged.ID, got[0].ID)
}

func TestFeedFilters(t *testing.T) {
	svc, _, _, ctx := testService(t)

	record(t, svc, ctx, "alice", "order.created", "")
	record(t, svc, ctx, "bob", "order.updated", "")
	_, err := svc.Record(ctx, RecordInput{
		ActorID:      "alice",
		ActivityType: "plan.approved",
		TargetType:   "plan",
		TargetID:     "plan-1",
	})
	require.NoError(t, err)

	byActor, err := svc.Feed(ctx, store.ActivityFilter{ActorID: "alice"})
	require.NoError(t, err)
	require.Len(t, byActor, 2)

	byDoc, err := svc.DocumentActivities(ctx, "order", "ord-1", 0)
	require.NoError(t, err)
	require.Len(t, byDoc, 2)
	require.Equal(t, "order.updated", byDoc[0].ActivityType)
}

func TestUnreadCountAndMarkAsRead(t *testing.T) {
	svc, _, _, ctx := testService(t)

	a := record(t, svc, ctx, "alice", "order.created", "")
	record(t, svc, ctx, "alice", "order.updated", "")

	n, err := svc.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, svc.MarkAsRead(ctx, "bob", []string{a.ID}))
	require.NoError(t, svc.MarkAsRead(ctx, "bob", []string{a.ID}))

	n, err = svc.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUnreadCountLookbackBound(t *testing.T) {
	svc, _, _, ctx := testService(t)

	now := time.Now()
	svc.clock = func() time.Time { return now.Add(-91 * 24 * time.Hour) }
	record(t, svc, ctx, "alice", "order.created", "")

	svc.clock = func() time.Time { return now }
	record(t, svc, ctx, "alice", "order.updated", "")

	n, err := svc.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMarkAllAsRead(t *testing.T) {
	svc, _, _, ctx := testService(t)

	record(t, svc, ctx, "alice", "order.created", "")
	record(t, svc, ctx, "alice", "order.updated", "")

	covered, err := svc.MarkAllAsRead(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, covered)

	n, err := svc.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, n)
}
