package roster

import (
	"context"
	"fmt"
	"time"

	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	pkgerrors "dutyassign/pkg/errors"
	"dutyassign/pkg/models"
)

type Invalidator interface {
	Invalidate(ctx context.Context, dates ...string) error
}

type Service struct {
	repo        Repository
	source      Source
	invalidators []Invalidator
	logger       logger.Logger
}

type ServiceOption func(*Service)

// WithCache serves OnDuty from cache and drops entries on schedule writes.
func WithCache(cache *CachedSource) ServiceOption {
	return func(s *Service) {
		s.source = cache
		s.invalidators = append(s.invalidators, cache)
	}
}

// WithInvalidator adds inv to the targets told about schedule writes.
func WithInvalidator(inv Invalidator) ServiceOption {
	return func(s *Service) {
		s.invalidators = append(s.invalidators, inv)
	}
}

func NewService(repo Repository, log logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		source: repo,
		logger: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) OnDuty(ctx context.Context, date time.Time) ([]models.OnDutyUser, error) {
	return s.source.OnDuty(ctx, date)
}

func (s *Service) ListUsers(ctx context.Context, activeOnly bool) ([]User, error) {
	return s.repo.ListUsers(ctx, activeOnly)
}

func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUser(ctx, id)
}

func (s *Service) SetUserActive(ctx context.Context, id int64, active bool) (*User, error) {
	if err := s.repo.SetUserActive(ctx, id, active); err != nil {
		return nil, err
	}
	return s.repo.GetUser(ctx, id)
}

// SyncUsers upserts the CRM user directory. Entries without an id are
// ignored.
func (s *Service) SyncUsers(ctx context.Context, users []User) (SyncResult, error) {
	valid := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID <= 0 {
			continue
		}
		valid = append(valid, u)
	}

	result, err := s.repo.UpsertUsers(ctx, valid)
	if err != nil {
		return result, err
	}
	s.logger.InfowCtx(ctx, "Synchronized users",
		"created", result.Created,
		"updated", result.Updated,
		"total", result.Total,
	)
	return result, nil
}

func (s *Service) ListDefaultUsers(ctx context.Context) ([]DefaultUser, error) {
	return s.repo.ListDefaultUsers(ctx, false)
}

// AddDefaultUser appends userID to the rotation, or inserts it at position
// when given.
func (s *Service) AddDefaultUser(ctx context.Context, userID int64, position *int) (*DefaultUser, error) {
	if userID <= 0 {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "user_id must be positive")
	}

	pos := 0
	if position != nil {
		if *position < 0 {
			return nil, pkgerrors.ErrValidation.WithDetail("message", "position must not be negative")
		}
		pos = *position
	} else {
		existing, err := s.repo.ListDefaultUsers(ctx, false)
		if err != nil {
			return nil, err
		}
		for _, d := range existing {
			if d.Position >= pos {
				pos = d.Position + 1
			}
		}
	}

	return s.repo.AddDefaultUser(ctx, userID, pos)
}

func (s *Service) RemoveDefaultUser(ctx context.Context, userID int64) error {
	return s.repo.RemoveDefaultUser(ctx, userID)
}

// ReorderDefaultUsers requires userIDs to name every default user exactly
// once.
func (s *Service) ReorderDefaultUsers(ctx context.Context, userIDs []int64) ([]DefaultUser, error) {
	existing, err := s.repo.ListDefaultUsers(ctx, false)
	if err != nil {
		return nil, err
	}

	known := make(map[int64]bool, len(existing))
	for _, d := range existing {
		known[d.UserID] = true
	}
	seen := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		if !known[id] || seen[id] {
			return nil, pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("user %d is not a default user or is listed twice", id))
		}
		seen[id] = true
	}
	if len(seen) != len(known) {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "order must list every default user")
	}

	if err := s.repo.ReorderDefaultUsers(ctx, userIDs); err != nil {
		return nil, err
	}
	return s.repo.ListDefaultUsers(ctx, false)
}

func (s *Service) Schedule(ctx context.Context, from, to string) ([]Day, error) {
	start, err := parseDate(from)
	if err != nil {
		return nil, err
	}
	end, err := parseDate(to)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "end date is before start date")
	}
	return s.repo.ListDays(ctx, from, to)
}

func (s *Service) Day(ctx context.Context, date string) (*Day, error) {
	if _, err := parseDate(date); err != nil {
		return nil, err
	}
	day, err := s.repo.GetDay(ctx, date)
	if err != nil {
		return nil, err
	}
	if day == nil {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("no schedule for %s", date))
	}
	return day, nil
}

// SetDay replaces the users on duty for date.
func (s *Service) SetDay(ctx context.Context, date string, userIDs []int64) (*Day, error) {
	if _, err := parseDate(date); err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "at least one user is required")
	}
	seen := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			return nil, pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("user %d listed twice", id))
		}
		seen[id] = true
	}

	if err := s.repo.ReplaceDays(ctx, date, date, []DayPlan{{Date: date, UserIDs: userIDs}}); err != nil {
		return nil, err
	}
	s.invalidate(ctx, date)
	return s.Day(ctx, date)
}

func (s *Service) DeleteDay(ctx context.Context, date string) error {
	if _, err := parseDate(date); err != nil {
		return err
	}
	if err := s.repo.DeleteDay(ctx, date); err != nil {
		return err
	}
	s.invalidate(ctx, date)
	return nil
}

// GenerateMonth rebuilds a month's schedule, one active default user per
// day in position order, cycling.
func (s *Service) GenerateMonth(ctx context.Context, year, month int) ([]Day, error) {
	if month < 1 || month > 12 || year < 1 {
		return nil, pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("invalid month %d/%d", month, year))
	}

	defaults, err := s.repo.ListDefaultUsers(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(defaults) == 0 {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "no default users to generate a schedule from")
	}

	userIDs := make([]int64, 0, len(defaults))
	for _, d := range defaults {
		userIDs = append(userIDs, d.UserID)
	}

	plans := PlanMonth(year, time.Month(month), userIDs)
	from, to := plans[0].Date, plans[len(plans)-1].Date

	if err := s.repo.ReplaceDays(ctx, from, to, plans); err != nil {
		return nil, err
	}

	dates := make([]string, 0, len(plans))
	for _, p := range plans {
		dates = append(dates, p.Date)
	}
	s.invalidate(ctx, dates...)

	s.logger.InfowCtx(ctx, "Generated duty schedule",
		"year", year,
		"month", month,
		"days", len(plans),
	)
	return s.repo.ListDays(ctx, from, to)
}

// PlanMonth assigns userIDs to the days of a month cyclically, starting
// with the first user on day one.
func PlanMonth(year int, month time.Month, userIDs []int64) []DayPlan {
	if len(userIDs) == 0 {
		return nil
	}

	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	days := first.AddDate(0, 1, -1).Day()

	plans := make([]DayPlan, 0, days)
	for i := 0; i < days; i++ {
		plans = append(plans, DayPlan{
			Date:    first.AddDate(0, 0, i).Format(constants.DateLayout),
			UserIDs: []int64{userIDs[i%len(userIDs)]},
		})
	}
	return plans
}

func (s *Service) invalidate(ctx context.Context, dates ...string) {
	for _, inv := range s.invalidators {
		if err := inv.Invalidate(ctx, dates...); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to invalidate roster cache",
				"dates", dates,
				"error", err,
			)
		}
	}
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(constants.DateLayout, s)
	if err != nil {
		return time.Time{}, pkgerrors.ErrValidation.WithCause(err).WithDetail("message", fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s))
	}
	return t, nil
}
