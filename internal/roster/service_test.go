package roster

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/logger"
	pkgerrors "dutyassign/pkg/errors"
	"dutyassign/pkg/models"
)

type memoryRepository struct {
	users    map[int64]User
	defaults []DefaultUser
	days     map[string][]int64
}

func newMemoryRepository(users ...User) *memoryRepository {
	m := &memoryRepository{users: map[int64]User{}, days: map[string][]int64{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memoryRepository) ListUsers(_ context.Context, activeOnly bool) ([]User, error) {
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if activeOnly && !u.Active {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) GetUser(_ context.Context, id int64) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return &u, nil
}

func (m *memoryRepository) UpsertUsers(_ context.Context, users []User) (SyncResult, error) {
	res := SyncResult{Total: len(users)}
	for _, u := range users {
		if _, ok := m.users[u.ID]; ok {
			res.Updated++
		} else {
			res.Created++
		}
		m.users[u.ID] = u
	}
	return res, nil
}

func (m *memoryRepository) SetUserActive(_ context.Context, id int64, active bool) error {
	u, ok := m.users[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	u.Active = active
	m.users[id] = u
	return nil
}

func (m *memoryRepository) ListDefaultUsers(_ context.Context, activeOnly bool) ([]DefaultUser, error) {
	out := make([]DefaultUser, 0, len(m.defaults))
	for _, d := range m.defaults {
		d.User = m.users[d.UserID]
		if activeOnly && !d.User.Active {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memoryRepository) AddDefaultUser(_ context.Context, userID int64, position int) (*DefaultUser, error) {
	d := DefaultUser{ID: int64(len(m.defaults) + 1), UserID: userID, Position: position, User: m.users[userID]}
	m.defaults = append(m.defaults, d)
	return &d, nil
}

func (m *memoryRepository) RemoveDefaultUser(_ context.Context, userID int64) error {
	for i, d := range m.defaults {
		if d.UserID == userID {
			m.defaults = append(m.defaults[:i], m.defaults[i+1:]...)
			return nil
		}
	}
	return pkgerrors.ErrNotFound
}

func (m *memoryRepository) ReorderDefaultUsers(_ context.Context, userIDs []int64) error {
	for pos, id := range userIDs {
		for i := range m.defaults {
			if m.defaults[i].UserID == id {
				m.defaults[i].Position = pos
			}
		}
	}
	return nil
}

func (m *memoryRepository) ListDays(_ context.Context, from, to string) ([]Day, error) {
	out := make([]Day, 0)
	for date, ids := range m.days {
		if date < from || date > to {
			continue
		}
		day := Day{Date: date}
		for _, id := range ids {
			day.Users = append(day.Users, m.users[id])
		}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memoryRepository) GetDay(ctx context.Context, date string) (*Day, error) {
	days, _ := m.ListDays(ctx, date, date)
	if len(days) == 0 {
		return nil, nil
	}
	return &days[0], nil
}

func (m *memoryRepository) ReplaceDays(_ context.Context, from, to string, days []DayPlan) error {
	for date := range m.days {
		if date >= from && date <= to {
			delete(m.days, date)
		}
	}
	for _, d := range days {
		m.days[d.Date] = d.UserIDs
	}
	return nil
}

func (m *memoryRepository) DeleteDay(_ context.Context, date string) error {
	if _, ok := m.days[date]; !ok {
		return pkgerrors.ErrNotFound
	}
	delete(m.days, date)
	return nil
}

func (m *memoryRepository) OnDuty(ctx context.Context, date time.Time) ([]models.OnDutyUser, error) {
	day, _ := m.GetDay(ctx, date.Format("2006-01-02"))
	out := make([]models.OnDutyUser, 0)
	if day != nil {
		for _, u := range day.Users {
			out = append(out, u.OnDuty())
		}
	}
	return out, nil
}

type recordingInvalidator struct {
	dates []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, dates ...string) error {
	r.dates = append(r.dates, dates...)
	return nil
}

func testUsers() []User {
	return []User{
		{ID: 1, Name: "Anna", LastName: "Petrova", Active: true},
		{ID: 2, Name: "Ivan", Active: true},
		{ID: 3, Name: "Oleg", Active: false},
	}
}

func TestPlanMonth(t *testing.T) {
	plans := PlanMonth(2026, time.February, []int64{10, 20, 30})

	require.Len(t, plans, 28)
	assert.Equal(t, "2026-02-01", plans[0].Date)
	assert.Equal(t, "2026-02-28", plans[27].Date)
	assert.Equal(t, []int64{10}, plans[0].UserIDs)
	assert.Equal(t, []int64{20}, plans[1].UserIDs)
	assert.Equal(t, []int64{30}, plans[2].UserIDs)
	assert.Equal(t, []int64{10}, plans[3].UserIDs)

	assert.Len(t, PlanMonth(2028, time.February, []int64{1}), 29)
	assert.Nil(t, PlanMonth(2026, time.March, nil))
}

func TestGenerateMonth(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository(testUsers()...)
	inv := &recordingInvalidator{}
	svc := NewService(repo, logger.NopLogger(), WithInvalidator(inv))

	_, err := svc.GenerateMonth(ctx, 2026, 4)
	assert.True(t, pkgerrors.IsValidation(err), "no default users")

	for _, id := range []int64{2, 3, 1} {
		_, err := svc.AddDefaultUser(ctx, id, nil)
		require.NoError(t, err)
	}
	repo.days["2026-04-15"] = []int64{3}
	repo.days["2026-05-01"] = []int64{3}

	days, err := svc.GenerateMonth(ctx, 2026, 4)
	require.NoError(t, err)
	require.Len(t, days, 30)

	// inactive user 3 is skipped; order follows position
	assert.Equal(t, int64(2), days[0].Users[0].ID)
	assert.Equal(t, int64(1), days[1].Users[0].ID)
	assert.Equal(t, int64(2), days[2].Users[0].ID)
	assert.Equal(t, []int64{3}, repo.days["2026-05-01"], "days outside the month are kept")
	assert.Len(t, inv.dates, 30)

	_, err = svc.GenerateMonth(ctx, 2026, 13)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestSetDay(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository(testUsers()...)
	inv := &recordingInvalidator{}
	svc := NewService(repo, logger.NopLogger(), WithInvalidator(inv))

	day, err := svc.SetDay(ctx, "2026-03-02", []int64{2, 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, day.UserIDs())
	assert.Equal(t, []string{"2026-03-02"}, inv.dates)

	onDuty, err := svc.OnDuty(ctx, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, onDuty, 2)
	assert.Equal(t, "Ivan", onDuty[0].Name)
	assert.Equal(t, "Anna Petrova", onDuty[1].Name)

	tests := []struct {
		name  string
		date  string
		users []int64
	}{
		{name: "bad date", date: "02.03.2026", users: []int64{1}},
		{name: "no users", date: "2026-03-02", users: nil},
		{name: "duplicate user", date: "2026-03-02", users: []int64{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SetDay(ctx, tt.date, tt.users)
			assert.True(t, pkgerrors.IsValidation(err))
		})
	}
}

func TestDayNotFound(t *testing.T) {
	svc := NewService(newMemoryRepository(), logger.NopLogger())
	_, err := svc.Day(context.Background(), "2026-03-02")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestScheduleRangeValidation(t *testing.T) {
	svc := NewService(newMemoryRepository(), logger.NopLogger())
	_, err := svc.Schedule(context.Background(), "2026-03-10", "2026-03-01")
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestReorderDefaultUsers(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository(testUsers()...)
	svc := NewService(repo, logger.NopLogger())

	for _, id := range []int64{1, 2} {
		_, err := svc.AddDefaultUser(ctx, id, nil)
		require.NoError(t, err)
	}

	_, err := svc.ReorderDefaultUsers(ctx, []int64{2})
	assert.True(t, pkgerrors.IsValidation(err), "missing user")

	_, err = svc.ReorderDefaultUsers(ctx, []int64{2, 2})
	assert.True(t, pkgerrors.IsValidation(err), "duplicate user")

	ordered, err := svc.ReorderDefaultUsers(ctx, []int64{2, 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ordered[0].UserID)
	assert.Equal(t, int64(1), ordered[1].UserID)
}

func TestAddDefaultUserAppends(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemoryRepository(testUsers()...), logger.NopLogger())

	first, err := svc.AddDefaultUser(ctx, 1, nil)
	require.NoError(t, err)
	second, err := svc.AddDefaultUser(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Position+1, second.Position)

	_, err = svc.AddDefaultUser(ctx, 0, nil)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestSyncUsersSkipsInvalidIDs(t *testing.T) {
	repo := newMemoryRepository(User{ID: 1, Name: "Old"})
	svc := NewService(repo, logger.NopLogger())

	res, err := svc.SyncUsers(context.Background(), []User{{ID: 1, Name: "New"}, {ID: 5}, {ID: 0}})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Created: 1, Updated: 1, Total: 2}, res)
	assert.Equal(t, "New", repo.users[1].Name)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Anna Petrova", User{Name: "Anna", LastName: "Petrova"}.DisplayName())
	assert.Equal(t, "a@example.com", User{Email: "a@example.com"}.DisplayName())
}
