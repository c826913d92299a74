package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/lock"
	"dutyassign/internal/logger"
	"dutyassign/internal/rules"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/metrics"
)

type RuleSource interface {
	EnabledRules(ctx context.Context, entityType string) ([]rules.Rule, error)
}

// Marker records that a rule already ran in its current window. Claim
// returns a nil Lease when the window is already taken.
type Marker interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error)
}

// Executor runs the due rules for date sequentially and reports the ids of
// the rules it carried to completion.
type Executor interface {
	RunScheduled(ctx context.Context, date time.Time, due []rules.Rule) ([]int64, error)
}

// Runner fires on a cron spec, picks due rules and hands them to the
// executor. Overlapping ticks are skipped.
type Runner struct {
	gate     *Gate
	rules    RuleSource
	marker   Marker
	executor Executor
	clock    Clock
	cfg      config.ScheduleConfig
	logger   logger.Logger

	busy atomic.Bool
}

type RunnerOption func(*Runner)

func WithClock(clock Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = clock
	}
}

func NewRunner(gate *Gate, source RuleSource, marker Marker, executor Executor, cfg config.ScheduleConfig, log logger.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		gate:     gate,
		rules:    source,
		marker:   marker,
		executor: executor,
		clock:    SystemClock{},
		cfg:      cfg,
		logger:   log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tick evaluates every enabled rule once and runs those that are due and not
// yet claimed for today. It returns the number of rules dispatched. Claims of
// rules the executor did not complete are released so a later tick in the
// same window retries them.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	now := r.clock.Now()
	today := r.gate.Today(now)

	enabled, err := r.rules.EnabledRules(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to load enabled rules: %w", err)
	}

	due := make([]rules.Rule, 0, len(enabled))
	claims := make(map[int64]*lock.Lease, len(enabled))
	for _, rule := range enabled {
		if !r.gate.IsDue(rule.Spec, now) {
			metrics.ScheduledRulesTotal.WithLabelValues("not_due").Inc()
			continue
		}

		key := MarkerKey(rule.ID, today)
		claim, err := r.marker.Claim(ctx, key, r.markerTTL())
		if err != nil {
			metrics.ScheduledRulesTotal.WithLabelValues("error").Inc()
			r.logger.ErrorwCtx(ctx, "Failed to claim schedule marker",
				"rule_id", rule.ID,
				"key", key,
				"error", err,
			)
			continue
		}
		if claim == nil {
			metrics.ScheduledRulesTotal.WithLabelValues("already_run").Inc()
			continue
		}

		metrics.ScheduledRulesTotal.WithLabelValues("due").Inc()
		due = append(due, rule)
		claims[rule.ID] = claim
	}

	if len(due) == 0 {
		return 0, nil
	}

	r.logger.InfowCtx(ctx, "Running scheduled rules",
		"date", today.Format(constants.DateLayout),
		"rules_count", len(due),
	)

	completed, err := r.executor.RunScheduled(ctx, today, due)
	for _, id := range completed {
		delete(claims, id)
	}
	r.release(ctx, claims)

	if err != nil {
		return len(due), err
	}
	return len(due), nil
}

func (r *Runner) release(ctx context.Context, claims map[int64]*lock.Lease) {
	for ruleID, claim := range claims {
		metrics.ScheduledRulesTotal.WithLabelValues("released").Inc()
		if err := claim.Release(ctx); err != nil {
			r.logger.WarnwCtx(ctx, "Failed to release schedule marker",
				"rule_id", ruleID,
				"key", claim.Key(),
				"error", err,
			)
		}
	}
}

func (r *Runner) markerTTL() time.Duration {
	if r.cfg.RunMarkerTTL > 0 {
		return r.cfg.RunMarkerTTL
	}
	return 24 * time.Hour
}

// Start blocks until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	spec := r.cfg.Cron
	if spec == "" {
		spec = "0 * * * * *"
	}

	c := cron.NewWithLocation(r.gate.Location())
	if err := c.AddFunc(spec, func() { r.fire(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule cron %q: %w", spec, err)
	}

	c.Start()
	r.logger.InfowCtx(ctx, "Schedule runner started",
		"cron", spec,
		"timezone", r.gate.Location().String(),
	)

	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

func (r *Runner) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !r.busy.CompareAndSwap(false, true) {
		r.logger.DebugwCtx(ctx, "Previous schedule tick still running, skipping")
		return
	}
	defer r.busy.Store(false)

	ctx = logging.WithServiceName(ctx, "schedule-runner")
	if _, err := r.Tick(ctx); err != nil {
		r.logger.ErrorwCtx(ctx, "Scheduled run failed",
			"error", err,
		)
	}
}

// MarkerKey identifies one rule's run window.
func MarkerKey(ruleID int64, date time.Time) string {
	return fmt.Sprintf("%s%d:%s", constants.CacheKeyPrefixSchedule, ruleID, date.Format(constants.DateLayout))
}
