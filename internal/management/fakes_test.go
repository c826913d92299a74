package management

import (
	"context"
	"sort"
	"sync"
	"time"

	"dutyassign/internal/assignment"
	"dutyassign/internal/audit"
	"dutyassign/internal/crm"
	"dutyassign/internal/roster"
	"dutyassign/internal/rules"
	"dutyassign/pkg/errors"
	"dutyassign/pkg/models"
)

type fakeRepository struct {
	mu     sync.Mutex
	nextID int64
	specs  map[int64]*rules.Spec
	err    error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{specs: map[int64]*rules.Spec{}}
}

func (r *fakeRepository) CreateRule(_ context.Context, spec *rules.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.nextID++
	spec.ID = r.nextID
	spec.CreatedAt = time.Now()
	spec.UpdatedAt = spec.CreatedAt
	stored := *spec
	r.specs[spec.ID] = &stored
	return nil
}

func (r *fakeRepository) GetRule(_ context.Context, id int64) (*rules.Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	spec, ok := r.specs[id]
	if !ok {
		return nil, nil
	}
	clone := *spec
	clone.Users = append([]rules.RuleUser(nil), spec.Users...)
	return &clone, nil
}

func (r *fakeRepository) ListRules(_ context.Context, entityType string) ([]rules.Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]rules.Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		if entityType == "" || spec.EntityType == entityType {
			out = append(out, *spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (r *fakeRepository) UpdateRule(_ context.Context, spec *rules.Spec, replaceUsers bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	current, ok := r.specs[spec.ID]
	if !ok {
		return errors.ErrNotFound
	}
	stored := *spec
	if !replaceUsers {
		stored.Users = current.Users
	}
	r.specs[spec.ID] = &stored
	return nil
}

func (r *fakeRepository) DeleteRule(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[id]; !ok {
		return errors.ErrNotFound
	}
	delete(r.specs, id)
	return nil
}

func (r *fakeRepository) AddRuleUser(_ context.Context, ruleID int64, user rules.RuleUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[ruleID]
	if !ok {
		return errors.ErrNotFound
	}
	for i, u := range spec.Users {
		if u.UserID == user.UserID {
			spec.Users[i] = user
			return nil
		}
	}
	spec.Users = append(spec.Users, user)
	return nil
}

func (r *fakeRepository) RemoveRuleUser(_ context.Context, ruleID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[ruleID]
	if !ok {
		return errors.ErrNotFound
	}
	for i, u := range spec.Users {
		if u.UserID == userID {
			spec.Users = append(spec.Users[:i], spec.Users[i+1:]...)
			return nil
		}
	}
	return errors.ErrNotFound
}

type fakeChangeStore struct {
	mu      sync.Mutex
	changes []RuleChange
}

func (s *fakeChangeStore) RecordChange(_ context.Context, change RuleChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	return nil
}

func (s *fakeChangeStore) ListChanges(_ context.Context, ruleID *int64, limit int) ([]RuleChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleChange, 0)
	for i := len(s.changes) - 1; i >= 0 && len(out) < limit; i-- {
		c := s.changes[i]
		if ruleID != nil && (c.RuleID == nil || *c.RuleID != *ruleID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type fakeProducer struct {
	mu        sync.Mutex
	published []models.MessageEnvelope
	topics    []string
	err       error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.published = append(p.published, msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeRoster struct {
	users    map[int64]*roster.User
	defaults []roster.DefaultUser
	days     map[string]*roster.Day
	synced   []roster.User
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{users: map[int64]*roster.User{}, days: map[string]*roster.Day{}}
}

func (f *fakeRoster) ListUsers(_ context.Context, activeOnly bool) ([]roster.User, error) {
	out := make([]roster.User, 0, len(f.users))
	for _, u := range f.users {
		if !activeOnly || u.Active {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRoster) GetUser(_ context.Context, id int64) (*roster.User, error) {
	return f.users[id], nil
}

func (f *fakeRoster) SetUserActive(_ context.Context, id int64, active bool) (*roster.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errors.ErrNotFound.WithDetail("id", id)
	}
	u.Active = active
	return u, nil
}

func (f *fakeRoster) SyncUsers(_ context.Context, users []roster.User) (roster.SyncResult, error) {
	f.synced = users
	return roster.SyncResult{}, nil
}

func (f *fakeRoster) ListDefaultUsers(context.Context) ([]roster.DefaultUser, error) {
	return f.defaults, nil
}

func (f *fakeRoster) AddDefaultUser(_ context.Context, userID int64, _ *int) (*roster.DefaultUser, error) {
	d := roster.DefaultUser{UserID: userID}
	f.defaults = append(f.defaults, d)
	return &d, nil
}

func (f *fakeRoster) RemoveDefaultUser(context.Context, int64) error { return nil }

func (f *fakeRoster) ReorderDefaultUsers(_ context.Context, userIDs []int64) ([]roster.DefaultUser, error) {
	out := make([]roster.DefaultUser, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, roster.DefaultUser{UserID: id})
	}
	f.defaults = out
	return out, nil
}

func (f *fakeRoster) Schedule(context.Context, string, string) ([]roster.Day, error) {
	return nil, nil
}

func (f *fakeRoster) Day(_ context.Context, date string) (*roster.Day, error) {
	day, ok := f.days[date]
	if !ok {
		return nil, errors.ErrNotFound.WithDetail("date", date)
	}
	return day, nil
}

func (f *fakeRoster) SetDay(_ context.Context, date string, _ []int64) (*roster.Day, error) {
	day := &roster.Day{Date: date}
	f.days[date] = day
	return day, nil
}

func (f *fakeRoster) DeleteDay(_ context.Context, date string) error {
	delete(f.days, date)
	return nil
}

func (f *fakeRoster) GenerateMonth(context.Context, int, int) ([]roster.Day, error) {
	return nil, nil
}

type fakeDirectory struct {
	users []crm.User
	err   error
}

func (d *fakeDirectory) ListUsers(context.Context) ([]crm.User, error) {
	return d.users, d.err
}

type fakeHistory struct {
	entries []audit.Entry
	filter  audit.Filter
}

func (h *fakeHistory) List(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	h.filter = filter
	return h.entries, nil
}

func (h *fakeHistory) Count(_ context.Context, filter audit.Filter) (int, error) {
	h.filter = filter
	return len(h.entries), nil
}

type fakeRunner struct {
	today  time.Time
	date   time.Time
	source string
	err    error
}

func (r *fakeRunner) Today() time.Time { return r.today }

func (r *fakeRunner) RunForDate(_ context.Context, date time.Time, source string, progress *assignment.Reporter) (*assignment.Result, error) {
	defer progress.Close()
	r.date = date
	r.source = source
	if r.err != nil {
		return nil, r.err
	}
	progress.Send(assignment.ProgressEvent{Type: assignment.EventStart, Date: date.Format("2006-01-02")})
	result := &assignment.Result{Date: date.Format("2006-01-02"), Source: source, UpdatedCount: 2}
	progress.Send(assignment.ProgressEvent{Type: assignment.EventComplete, Result: result})
	return result, nil
}

func (r *fakeRunner) Count(_ context.Context, date time.Time) (*assignment.CountResult, error) {
	r.date = date
	return &assignment.CountResult{Date: date.Format("2006-01-02"), TotalCount: 3}, nil
}

func (r *fakeRunner) Preview(_ context.Context, date time.Time) (*assignment.PreviewResult, error) {
	r.date = date
	return &assignment.PreviewResult{Date: date.Format("2006-01-02")}, nil
}
