package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"dutyassign/internal/config"
	"dutyassign/pkg/circuitbreaker"
)

type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	if !cfg.Enabled {
		return &CircuitBreakerRepository{repo: repo}
	}

	cbConfig := circuitbreaker.DefaultConfig("redis-lock")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}

	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.NewWrapper(cbConfig),
	}
}

func (r *CircuitBreakerRepository) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.execute(ctx, func() (bool, error) {
		return r.repo.SetNX(ctx, key, value, ttl)
	})
}

func (r *CircuitBreakerRepository) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	return r.execute(ctx, func() (bool, error) {
		return r.repo.CompareAndDelete(ctx, key, value)
	})
}

func (r *CircuitBreakerRepository) execute(ctx context.Context, fn func() (bool, error)) (bool, error) {
	if r.cb == nil {
		return fn()
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return fn()
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return false, fmt.Errorf("circuit breaker is open for redis-lock: %w", err)
		}
		return false, err
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("repository returned invalid result type")
	}
	return ok, nil
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *CircuitBreakerRepository) IsOpen() bool {
	if r.cb == nil {
		return false
	}
	return r.cb.IsOpen()
}
