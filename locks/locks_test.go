package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/store"
	"github.com/cutfactor/cutcore/store/inmem"
	"github.com/cutfactor/cutcore/tenant"
)

func testService(t *testing.T) (*Service, *events.Bus, context.Context) {
	t.Helper()
	bus := events.NewBus()
	svc, err := New(Options{
		Store: inmem.New(),
		Bus:   bus,
		Config: config.Locks{
			LeaseMS:        int((15 * time.Minute).Milliseconds()),
			ReapIntervalMS: int(time.Minute.Milliseconds()),
		},
	})
	require.NoError(t, err)
	return svc, bus, tenant.WithTenant(context.Background(), "t1")
}

func TestAcquireAndStatus(t *testing.T) {
	svc, bus, ctx := testService(t)

	lock, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)
	require.Equal(t, "alice", lock.LockedByUserID)
	require.Equal(t, 15*time.Minute, lock.ExpiresAt.Sub(lock.LockedAt))

	st, err := svc.GetStatus(ctx, domain.LockOrder, "ord-1")
	require.NoError(t, err)
	require.True(t, st.Locked)
	require.Equal(t, "alice", st.HolderID)

	recent := bus.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, events.TypeLockAcquired, recent[0].Type)
	require.Equal(t, "t1", recent[0].TenantID)
	payload, ok := recent[0].Payload.(events.LockChanged)
	require.True(t, ok)
	require.Equal(t, "alice", payload.UserID)
	require.NotEmpty(t, payload.ExpiresAt)
}

func TestAcquireHeldByOther(t *testing.T) {
	svc, _, ctx := testService(t)

	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, domain.LockOrder, "ord-1", "bob", "")
	require.True(t, domain.IsKind(err, domain.KindAlreadyLocked))
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, "alice", de.Details["holderId"])
	require.Contains(t, de.Details, "expiresAt")
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	svc, _, ctx := testService(t)

	now := time.Now()
	svc.clock = func() time.Time { return now }
	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	// Past the lease window alice's row is stale and bob takes over.
	svc.clock = func() time.Time { return now.Add(16 * time.Minute) }
	lock, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "bob", "")
	require.NoError(t, err)
	require.Equal(t, "bob", lock.LockedByUserID)
}

func TestReleaseByHolder(t *testing.T) {
	svc, bus, ctx := testService(t)

	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	ok, err := svc.Release(ctx, domain.LockOrder, "ord-1", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	locked, err := svc.IsLocked(ctx, domain.LockOrder, "ord-1")
	require.NoError(t, err)
	require.False(t, locked)

	recent := bus.Recent(1)
	require.Equal(t, events.TypeLockReleased, recent[0].Type)
}

func TestReleaseByNonHolderRefused(t *testing.T) {
	svc, _, ctx := testService(t)

	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	ok, err := svc.Release(ctx, domain.LockOrder, "ord-1", "bob")
	require.NoError(t, err)
	require.False(t, ok)

	locked, err := svc.IsLocked(ctx, domain.LockOrder, "ord-1")
	require.NoError(t, err)
	require.True(t, locked)
}

func TestForceReleaseAudited(t *testing.T) {
	svc, bus, ctx := testService(t)
	st := inmem.New()
	svc.store = st

	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	ok, err := svc.ForceRelease(ctx, domain.LockOrder, "ord-1", "admin")
	require.NoError(t, err)
	require.True(t, ok)

	logs, err := st.AuditLogs().List(ctx, store.AuditFilter{
		EntityType: string(domain.LockOrder),
		EntityID:   "ord-1",
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "lock.force_release", logs[0].Action)
	require.Equal(t, "admin", logs[0].UserID)
	require.Equal(t, "alice", logs[0].PreviousValue)

	recent := bus.Recent(1)
	require.Equal(t, events.TypeLockReleased, recent[0].Type)
	payload := recent[0].Payload.(events.LockChanged)
	require.True(t, payload.Forced)
}

func TestForceReleaseMissingLock(t *testing.T) {
	svc, _, ctx := testService(t)

	ok, err := svc.ForceRelease(ctx, domain.LockOrder, "ord-1", "admin")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRefreshExtendsFullWindow(t *testing.T) {
	svc, _, ctx := testService(t)

	now := time.Now()
	svc.clock = func() time.Time { return now }
	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	svc.clock = func() time.Time { return now.Add(10 * time.Minute) }
	ok, err := svc.Refresh(ctx, domain.LockOrder, "ord-1", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	st, err := svc.GetStatus(ctx, domain.LockOrder, "ord-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(25*time.Minute).Unix(), st.ExpiresAt.Unix())
}

func TestRefreshExpiredRefused(t *testing.T) {
	svc, _, ctx := testService(t)

	now := time.Now()
	svc.clock = func() time.Time { return now }
	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	svc.clock = func() time.Time { return now.Add(16 * time.Minute) }
	ok, err := svc.Refresh(ctx, domain.LockOrder, "ord-1", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanEdit(t *testing.T) {
	svc, _, ctx := testService(t)

	ok, err := svc.CanEdit(ctx, domain.LockOrder, "ord-1", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	ok, err = svc.CanEdit(ctx, domain.LockOrder, "ord-1", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.CanEdit(ctx, domain.LockOrder, "ord-1", "bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetUserLocksSkipsExpired(t *testing.T) {
	svc, _, ctx := testService(t)

	now := time.Now()
	svc.clock = func() time.Time { return now }
	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	svc.clock = func() time.Time { return now.Add(10 * time.Minute) }
	_, err = svc.Acquire(ctx, domain.LockPlan, "plan-1", "alice", "")
	require.NoError(t, err)

	svc.clock = func() time.Time { return now.Add(16 * time.Minute) }
	locks, err := svc.GetUserLocks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "plan-1", locks[0].DocumentID)
}

func TestReleaseAllUserLocks(t *testing.T) {
	svc, _, ctx := testService(t)

	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, domain.LockPlan, "plan-1", "alice", "")
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, domain.LockJob, "job-1", "bob", "")
	require.NoError(t, err)

	n, err := svc.ReleaseAllUserLocks(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	locked, err := svc.IsLocked(ctx, domain.LockJob, "job-1")
	require.NoError(t, err)
	require.True(t, locked)
}

func TestCleanupExpiredLocks(t *testing.T) {
	svc, _, ctx := testService(t)

	now := time.Now()
	svc.clock = func() time.Time { return now }
	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, domain.LockPlan, "plan-1", "bob", "")
	require.NoError(t, err)

	svc.clock = func() time.Time { return now.Add(16 * time.Minute) }
	_, err = svc.Acquire(ctx, domain.LockJob, "job-1", "carol", "")
	require.NoError(t, err)

	n, err := svc.CleanupExpiredLocks(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	locked, err := svc.IsLocked(ctx, domain.LockJob, "job-1")
	require.NoError(t, err)
	require.True(t, locked)
}

func TestReaperLoop(t *testing.T) {
	svc, _, _ := testService(t)
	svc.reap = 5 * time.Millisecond

	now := time.Now()
	svc.clock = func() time.Time { return now }
	ctx := tenant.WithTenant(context.Background(), "t1")
	_, err := svc.Acquire(ctx, domain.LockOrder, "ord-1", "alice", "")
	require.NoError(t, err)

	svc.clock = func() time.Time { return now.Add(16 * time.Minute) }
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.RunReaper(runCtx, []string{"t1"})
	}()

	require.Eventually(t, func() bool {
		locked, err := svc.IsLocked(ctx, domain.LockOrder, "ord-1")
		return err == nil && !locked
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
