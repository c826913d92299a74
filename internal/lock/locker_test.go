package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	apperrors "dutyassign/pkg/errors"
)

type failingRepository struct{}

func (failingRepository) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingRepository) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestTryLockExclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(nil, constants.FallbackAllow, logger.NopLogger())

	lease, err := locker.TryLock(ctx, WriterKey, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, constants.CacheKeyPrefixLock+WriterKey, lease.Key())

	_, err = locker.TryLock(ctx, WriterKey, time.Minute)
	assert.True(t, apperrors.IsBusy(err))

	require.NoError(t, lease.Release(ctx))

	again, err := locker.TryLock(ctx, WriterKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestReleaseIgnoresForeignToken(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	locker := NewLocker(repo, constants.FallbackAllow, logger.NopLogger())

	lease, err := locker.TryLock(ctx, "deal:1", time.Minute)
	require.NoError(t, err)

	stale := &Lease{key: lease.key, token: "someone-else", repo: repo}
	require.NoError(t, stale.Release(ctx))

	_, err = locker.TryLock(ctx, "deal:1", time.Minute)
	assert.True(t, apperrors.IsBusy(err), "foreign release must not free the lock")
}

func TestMemoryRepositoryExpiry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	ok, err := repo.SetNX(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = repo.SetNX(ctx, "k", "b", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = repo.SetNX(ctx, "k", "b", time.Second)
	assert.True(t, ok)
}

func TestLockerFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("allow uses in-process lock", func(t *testing.T) {
		locker := NewLocker(failingRepository{}, constants.FallbackAllow, logger.NopLogger())

		lease, err := locker.TryLock(ctx, WriterKey, time.Minute)
		require.NoError(t, err)

		_, err = locker.TryLock(ctx, WriterKey, time.Minute)
		assert.True(t, apperrors.IsBusy(err))
		require.NoError(t, lease.Release(ctx))
	})

	t.Run("deny surfaces the error", func(t *testing.T) {
		locker := NewLocker(failingRepository{}, constants.FallbackDeny, logger.NopLogger())

		lease, err := locker.TryLock(ctx, WriterKey, time.Minute)
		assert.Nil(t, lease)
		assert.Equal(t, 503, apperrors.ToHTTPStatus(err))

		_, err = locker.Claim(ctx, "schedule:1:2026-01-01", time.Hour)
		assert.Error(t, err)
	})
}

func TestClaimOncePerKey(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(nil, "", logger.NopLogger())

	first, err := locker.Claim(ctx, "schedule:1:2026-01-01", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "schedule:1:2026-01-01", first.Key())

	second, err := locker.Claim(ctx, "schedule:1:2026-01-01", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, second)

	// A released claim can be taken again.
	require.NoError(t, first.Release(ctx))
	third, err := locker.Claim(ctx, "schedule:1:2026-01-01", time.Hour)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestNilLeaseRelease(t *testing.T) {
	var lease *Lease
	assert.NoError(t, lease.Release(context.Background()))
	assert.Empty(t, lease.Key())
}
