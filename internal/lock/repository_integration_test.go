//go:build integration

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/internal/testinfra"
	apperrors "dutyassign/pkg/errors"
)

func TestRedisLocker_Exclusive(t *testing.T) {
	infra := testinfra.Redis(t)
	repo := NewCircuitBreakerRepository(NewRepository(infra.RedisClient), config.CircuitBreakerConfig{Enabled: true})
	ctx := context.Background()

	a := NewLocker(repo, constants.FallbackDeny, logger.NopLogger())
	b := NewLocker(repo, constants.FallbackDeny, logger.NopLogger())

	lease, err := a.TryLock(ctx, WriterKey, time.Minute)
	require.NoError(t, err)

	_, err = b.TryLock(ctx, WriterKey, time.Minute)
	assert.True(t, apperrors.IsBusy(err))

	require.NoError(t, lease.Release(ctx))

	lease, err = b.TryLock(ctx, WriterKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestRedisLocker_ReleaseKeepsForeignLease(t *testing.T) {
	infra := testinfra.Redis(t)
	ctx := context.Background()
	locker := NewLocker(NewRepository(infra.RedisClient), constants.FallbackDeny, logger.NopLogger())

	lease, err := locker.TryLock(ctx, WriterKey, 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	other, err := locker.TryLock(ctx, WriterKey, time.Minute)
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	_, err = locker.TryLock(ctx, WriterKey, time.Minute)
	assert.True(t, apperrors.IsBusy(err), "expired lease must not delete the new holder's key")

	require.NoError(t, other.Release(ctx))
}

func TestRedisLocker_ClaimOnce(t *testing.T) {
	infra := testinfra.Redis(t)
	ctx := context.Background()
	locker := NewLocker(NewRepository(infra.RedisClient), constants.FallbackDeny, logger.NopLogger())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := locker.Claim(ctx, "schedule:1:2024-03-04", time.Minute)
			assert.NoError(t, err)
			if lease != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
