// Package lock serializes CRM writers across processes with short-lived
// Redis keys.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	apperrors "dutyassign/pkg/errors"
	"dutyassign/pkg/metrics"
)

const (
	// WriterKey guards every batch and webhook write path.
	WriterKey = "writer"
)

type Locker struct {
	repo     Repository
	fallback *MemoryRepository
	onError  string
	logger   logger.Logger
}

// NewLocker builds a Locker over repo. A nil repo makes the in-process
// repository the primary one.
func NewLocker(repo Repository, onError string, log logger.Logger) *Locker {
	fallback := NewMemoryRepository()
	if repo == nil {
		repo = fallback
	}
	if onError == "" {
		onError = constants.FallbackAllow
	}
	return &Locker{
		repo:     repo,
		fallback: fallback,
		onError:  onError,
		logger:   log,
	}
}

// Lease is a held lock. Release is safe on a nil Lease.
type Lease struct {
	key   string
	token string
	repo  Repository
}

func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.repo.CompareAndDelete(context.WithoutCancel(ctx), l.key, l.token)
	return err
}

// TryLock acquires key for at most ttl without waiting. It returns
// errors.ErrBusy when someone else holds it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	fullKey := constants.CacheKeyPrefixLock + key
	token := uuid.NewString()

	repo := l.repo
	acquired, err := repo.SetNX(ctx, fullKey, token, ttl)
	if err != nil {
		if !l.useFallback(ctx, "lock", fullKey, err) {
			metrics.LockAcquisitionsTotal.WithLabelValues("error").Inc()
			return nil, apperrors.ErrServiceUnavailable.WithCause(err).WithDetail("lock", key)
		}
		repo = l.fallback
		acquired, _ = repo.SetNX(ctx, fullKey, token, ttl)
	}

	if !acquired {
		metrics.LockAcquisitionsTotal.WithLabelValues("busy").Inc()
		return nil, apperrors.ErrBusy.WithDetail("lock", key)
	}

	metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	return &Lease{key: fullKey, token: token, repo: repo}, nil
}

// Claim sets a marker key that expires after ttl. It returns a nil Lease
// when another caller claimed key first. Releasing the Lease gives the
// window back, e.g. when the claimed work never ran.
func (l *Locker) Claim(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	repo := l.repo
	claimed, err := repo.SetNX(ctx, key, token, ttl)
	if err != nil {
		if !l.useFallback(ctx, "marker", key, err) {
			return nil, err
		}
		repo = l.fallback
		claimed, _ = repo.SetNX(ctx, key, token, ttl)
	}
	if !claimed {
		return nil, nil
	}
	return &Lease{key: key, token: token, repo: repo}, nil
}

func (l *Locker) useFallback(ctx context.Context, kind, key string, err error) bool {
	if l.onError != constants.FallbackAllow {
		metrics.FallbackUsageTotal.WithLabelValues("lock", "deny_on_error", kind).Inc()
		l.logger.ErrorwCtx(ctx, "Lock store unavailable (fallback: deny)",
			"key", key,
			"error", err,
		)
		return false
	}

	metrics.FallbackUsageTotal.WithLabelValues("lock", "allow_on_error", kind).Inc()
	l.logger.WarnwCtx(ctx, "Lock store unavailable, using in-process lock (fallback: allow)",
		"key", key,
		"error", err,
	)
	return true
}
