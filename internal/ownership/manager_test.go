package ownership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crab.casa/debate-arena/internal/kv"
	"crab.casa/debate-arena/internal/logging"
)

type fakeRecoverer struct {
	stuck       []string
	active      []string
	recoverFn   func(contestID string) (bool, error)
	recoverCall []string
}

func (f *fakeRecoverer) ListStuckContests(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return f.stuck, nil
}
func (f *fakeRecoverer) ListActiveContests(ctx context.Context) ([]string, error) {
	return f.active, nil
}
func (f *fakeRecoverer) Recover(ctx context.Context, contestID string) (bool, error) {
	f.recoverCall = append(f.recoverCall, contestID)
	if f.recoverFn != nil {
		return f.recoverFn(contestID)
	}
	return true, nil
}

func TestClaimAndRelease(t *testing.T) {
	store := kv.NewMemoryStore()
	m := New("inst-a", store, logging.NewNop(), &fakeRecoverer{})
	ctx := context.Background()

	ok, err := m.Claim(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.IsOwnedLocally("c1"))

	// a second instance cannot claim while the lease is held.
	m2 := New("inst-b", store, logging.NewNop(), &fakeRecoverer{})
	ok2, err := m2.Claim(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok2)

	require.NoError(t, m.Release(ctx, "c1"))
	require.False(t, m.IsOwnedLocally("c1"))

	ok3, err := m2.Claim(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok3)
}

func TestRecoveryLockOnlyReleasedByWriter(t *testing.T) {
	store := kv.NewMemoryStore()
	m := New("inst-a", store, logging.NewNop(), &fakeRecoverer{})
	ctx := context.Background()

	token, acquired, err := m.RecoveryLock(ctx, "c1")
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired2, err := m.RecoveryLock(ctx, "c1")
	require.NoError(t, err)
	require.False(t, acquired2)

	require.NoError(t, m.ReleaseRecoveryLock(ctx, "c1", "wrong-token"))
	_, acquired3, err := m.RecoveryLock(ctx, "c1")
	require.NoError(t, err)
	require.False(t, acquired3, "lock should still be held since release used the wrong token")

	require.NoError(t, m.ReleaseRecoveryLock(ctx, "c1", token))
	_, acquired4, err := m.RecoveryLock(ctx, "c1")
	require.NoError(t, err)
	require.True(t, acquired4)
}

func TestUnownedSweepClaimsAndRecovers(t *testing.T) {
	store := kv.NewMemoryStore()
	rec := &fakeRecoverer{active: []string{"c1"}}
	m := New("inst-a", store, logging.NewNop(), rec)
	ctx := context.Background()

	m.unownedSweepOnce(ctx)

	require.True(t, m.IsOwnedLocally("c1"))
	require.Equal(t, []string{"c1"}, rec.recoverCall)
}

func TestUnownedSweepSkipsAlreadyOwned(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	_, err := store.SetIfAbsent(ctx, ownerKey("c1"), "inst-b", leaseTTL)
	require.NoError(t, err)

	rec := &fakeRecoverer{active: []string{"c1"}}
	m := New("inst-a", store, logging.NewNop(), rec)

	m.unownedSweepOnce(ctx)

	require.False(t, m.IsOwnedLocally("c1"))
	require.Empty(t, rec.recoverCall)
}

func TestFailedRecoveryReleasesLease(t *testing.T) {
	store := kv.NewMemoryStore()
	rec := &fakeRecoverer{active: []string{"c1"}, recoverFn: func(string) (bool, error) { return false, nil }}
	m := New("inst-a", store, logging.NewNop(), rec)
	ctx := context.Background()

	m.unownedSweepOnce(ctx)

	require.False(t, m.IsOwnedLocally("c1"))
	_, err := store.Get(ctx, ownerKey("c1"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestShutdownReleasesAllLeases(t *testing.T) {
	store := kv.NewMemoryStore()
	m := New("inst-a", store, logging.NewNop(), &fakeRecoverer{})
	ctx := context.Background()

	_, err := m.Claim(ctx, "c1")
	require.NoError(t, err)
	_, err = m.Claim(ctx, "c2")
	require.NoError(t, err)

	m.Shutdown(ctx)

	_, err = store.Get(ctx, ownerKey("c1"))
	require.ErrorIs(t, err, kv.ErrNotFound)
	_, err = store.Get(ctx, ownerKey("c2"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}
