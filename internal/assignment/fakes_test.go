package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dutyassign/internal/audit"
	"dutyassign/internal/config"
	"dutyassign/internal/crm"
	"dutyassign/internal/logger"
	"dutyassign/internal/rules"
	"dutyassign/internal/schedule"
	"dutyassign/pkg/models"
)

type fakeCRM struct {
	mu sync.Mutex

	records   map[string][]rules.Record
	contacts  map[int64][]int64
	companies map[int64]int64
	owners    map[string]map[int64]int64

	listErr  map[string]error
	failIDs  map[int64]string
	batchErr error
	onBatch  func(entityType string)

	filters map[string]map[string]interface{}
	updates map[string][]crm.Update
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		records:   map[string][]rules.Record{},
		contacts:  map[int64][]int64{},
		companies: map[int64]int64{},
		owners:    map[string]map[int64]int64{},
		listErr:   map[string]error{},
		failIDs:   map[int64]string{},
		filters:   map[string]map[string]interface{}{},
		updates:   map[string][]crm.Update{},
	}
}

func (f *fakeCRM) List(_ context.Context, entityType string, _ []string, filter map[string]interface{}) ([]rules.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters[entityType] = filter
	if err := f.listErr[entityType]; err != nil {
		return nil, err
	}
	return f.records[entityType], nil
}

func (f *fakeCRM) Get(_ context.Context, entityType string, id int64, _ []string) (*rules.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records[entityType] {
		if rid, ok := r.GetInt("ID"); ok && rid == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeCRM) ListByIDs(_ context.Context, entityType string, ids []int64, _ []string) (map[int64]rules.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int64]rules.Record{}
	for _, id := range ids {
		if owner, ok := f.owners[entityType][id]; ok {
			out[id] = rules.NewRecord(map[string]interface{}{"ID": id, "ASSIGNED_BY_ID": owner})
		}
	}
	return out, nil
}

func (f *fakeCRM) GetRelatedContacts(_ context.Context, dealID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts[dealID], nil
}

func (f *fakeCRM) GetRelatedCompanies(_ context.Context, dealIDs []int64) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int64]int64{}
	for _, id := range dealIDs {
		if c, ok := f.companies[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeCRM) BatchUpdate(_ context.Context, entityType string, updates []crm.Update) (crm.BatchResult, error) {
	f.mu.Lock()
	f.updates[entityType] = append(f.updates[entityType], updates...)
	var res crm.BatchResult
	for _, u := range updates {
		if msg, ok := f.failIDs[u.ID]; ok {
			if res.Failed == nil {
				res.Failed = map[int64]string{}
			}
			res.Failed[u.ID] = msg
			continue
		}
		res.Updated = append(res.Updated, u.ID)
	}
	hook := f.onBatch
	err := f.batchErr
	f.mu.Unlock()

	if hook != nil {
		hook(entityType)
	}
	if err != nil {
		return crm.BatchResult{}, err
	}
	return res, nil
}

func (f *fakeCRM) updatedIDs(entityType string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, u := range f.updates[entityType] {
		ids = append(ids, u.ID)
	}
	return ids
}

type fakeRoster struct {
	duty []models.OnDutyUser
	err  error
}

func (f *fakeRoster) OnDuty(context.Context, time.Time) ([]models.OnDutyUser, error) {
	return f.duty, f.err
}

type fakeRules struct {
	rules []rules.Rule
}

func (f *fakeRules) EnabledRules(_ context.Context, entityType string) ([]rules.Rule, error) {
	var out []rules.Rule
	for _, r := range f.rules {
		if r.Enabled && (entityType == "" || r.EntityType == entityType) {
			out = append(out, r)
		}
	}
	return rules.SortByPriority(out), nil
}

type fakeAudit struct {
	mu        sync.Mutex
	entries   []audit.Entry
	appendErr error
}

func (f *fakeAudit) Append(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return audit.Entry{}, f.appendErr
	}
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeAudit) AppendBatch(ctx context.Context, entries []audit.Entry) ([]audit.Entry, error) {
	f.mu.Lock()
	if f.appendErr != nil {
		f.mu.Unlock()
		return nil, f.appendErr
	}
	f.mu.Unlock()

	saved := make([]audit.Entry, 0, len(entries))
	for _, e := range entries {
		s, _ := f.Append(ctx, e)
		saved = append(saved, s)
	}
	return saved, nil
}

func (f *fakeAudit) LastEntry(_ context.Context, entityType string, entityID int64, source string) (*audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.EntityType == entityType && e.EntityID == entityID && e.Source == source {
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeAudit) all() []audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audit.Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.AssignmentEvent
}

func (f *fakePublisher) PublishAssignment(_ context.Context, event models.AssignmentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

var errCRMDown = errors.New("crm unavailable")

type harness struct {
	crm       *fakeCRM
	roster    *fakeRoster
	rules     *fakeRules
	audit     *fakeAudit
	publisher *fakePublisher
	service   *Service
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()

	h := &harness{
		crm:       newFakeCRM(),
		roster:    &fakeRoster{},
		rules:     &fakeRules{},
		audit:     &fakeAudit{},
		publisher: &fakePublisher{},
	}

	gate, err := schedule.NewGate(config.ScheduleConfig{Timezone: "Europe/Moscow", DefaultUpdateTime: "09:00"})
	require.NoError(t, err)

	deps := Deps{
		CRM:       h.crm,
		Roster:    h.roster,
		Rules:     h.rules,
		Audit:     h.audit,
		History:   h.audit,
		Publisher: h.publisher,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	log := logger.NopLogger()
	h.service = NewService(deps,
		rules.NewEngine(config.FallbackConfig{}, log),
		gate,
		config.AssignmentConfig{DealStageSemantic: "P", LockTTL: time.Minute},
		log,
		WithClock(fixedClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}),
		WithConcurrency(2),
	)
	return h
}

func compileRule(t *testing.T, spec rules.Spec) rules.Rule {
	t.Helper()
	parser, err := rules.NewParser()
	require.NoError(t, err)
	if spec.DistributionPercentage == 0 {
		spec.DistributionPercentage = 100
	}
	spec.Enabled = true
	return parser.Compile(spec)
}

func stageRule(t *testing.T, id int64, entityType string, userIDs ...int64) rules.Rule {
	t.Helper()
	users := make([]rules.RuleUser, 0, len(userIDs))
	for _, uid := range userIDs {
		users = append(users, rules.RuleUser{UserID: uid, DistributionPercentage: 100})
	}
	return compileRule(t, rules.Spec{
		ID:              id,
		EntityType:      entityType,
		Name:            "stage new",
		RuleType:        rules.TypeField,
		ConditionConfig: []byte(`{"field_id":"STAGE_ID","operator":"equals","value":"NEW"}`),
		Users:           users,
	})
}

func record(id, owner int64, stage string) rules.Record {
	return rules.NewRecord(map[string]interface{}{
		"ID":             id,
		"ASSIGNED_BY_ID": owner,
		"STAGE_ID":       stage,
	})
}

func duty(ids ...int64) []models.OnDutyUser {
	users := make([]models.OnDutyUser, 0, len(ids))
	for _, id := range ids {
		users = append(users, models.OnDutyUser{ID: id, Name: fmt.Sprintf("user %d", id)})
	}
	return users
}
