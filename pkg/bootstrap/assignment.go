package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"dutyassign/internal/assignment"
	"dutyassign/internal/audit"
	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/crm"
	"dutyassign/internal/lock"
	"dutyassign/internal/logger"
	"dutyassign/internal/roster"
	"dutyassign/internal/rules"
	"dutyassign/internal/schedule"
	"dutyassign/pkg/migrations"
)

// AssignmentResources are the connections the assignment stack is built on.
// Redis, Mongo and Publisher are optional.
type AssignmentResources struct {
	DB        *sql.DB
	Redis     *redis.Client
	Mongo     *mongo.Client
	Publisher assignment.EventPublisher
	// RosterInvalidator is told about schedule writes in addition to the
	// local roster cache.
	RosterInvalidator roster.Invalidator
	// FreshRules reloads the rule catalog before every run instead of
	// relying on a background reloader.
	FreshRules bool
}

// AssignmentStack is the assignment cycle and every collaborator it was
// built from.
type AssignmentStack struct {
	Service  *assignment.Service
	Parser   *rules.Parser
	Catalog  *rules.Catalog
	Gate     *schedule.Gate
	Roster   *roster.Service
	Cache    *roster.CachedSource
	Locker   *lock.Locker
	CRM      *crm.Client
	Audit    *audit.Recorder
	AuditLog *audit.PostgresRepository
}

func NewAssignmentStack(ctx context.Context, cfg *config.Config, log logger.Logger, res AssignmentResources) (*AssignmentStack, error) {
	if res.DB == nil {
		return nil, fmt.Errorf("postgres connection is required")
	}

	parser, err := rules.NewParser()
	if err != nil {
		return nil, err
	}

	gate, err := schedule.NewGate(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule config: %w", err)
	}

	crmClient, err := crm.NewClient(cfg.CRM, log, crm.WithCircuitBreaker(cfg.CircuitBreaker))
	if err != nil {
		return nil, fmt.Errorf("failed to create crm client: %w", err)
	}

	stack := &AssignmentStack{
		Parser:   parser,
		Gate:     gate,
		CRM:      crmClient,
		AuditLog: audit.NewRepository(res.DB),
	}

	stack.Catalog = rules.NewCatalog(rules.NewRepository(res.DB), parser, cfg.Rules.Reload, log)

	var lockRepo lock.Repository
	if res.Redis != nil {
		lockRepo = lock.NewCircuitBreakerRepository(lock.NewRepository(res.Redis), cfg.CircuitBreaker)
	}
	stack.Locker = lock.NewLocker(lockRepo, cfg.Assignment.OnLockError, log)

	rosterRepo := roster.NewRepository(res.DB)
	var rosterOpts []roster.ServiceOption
	if res.Redis != nil {
		ttl := time.Duration(cfg.Database.Redis.TTLSeconds) * time.Second
		stack.Cache = roster.NewCachedSource(rosterRepo, res.Redis, ttl, log)
		rosterOpts = append(rosterOpts, roster.WithCache(stack.Cache))
	}
	if res.RosterInvalidator != nil {
		rosterOpts = append(rosterOpts, roster.WithInvalidator(res.RosterInvalidator))
	}
	stack.Roster = roster.NewService(rosterRepo, log, rosterOpts...)

	var mirror audit.Mirror
	if res.Mongo != nil && cfg.Audit.MirrorToMongo {
		dbName := cfg.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		collection := cfg.Audit.MongoCollection
		if collection == "" {
			collection = constants.DefaultAuditMongoCollection
		}
		mongoDB := res.Mongo.Database(dbName)
		if err := migrations.EnsureAuditCollection(ctx, mongoDB, collection); err != nil {
			log.WarnwCtx(ctx, "Failed to prepare audit mirror collection, mirroring disabled", "error", err)
		} else {
			mirror = audit.NewMongoMirror(mongoDB, collection)
		}
	}
	stack.Audit = audit.NewRecorder(stack.AuditLog, mirror, log)

	var ruleSource assignment.RuleSource = stack.Catalog
	if res.FreshRules {
		ruleSource = freshCatalog{stack.Catalog}
	}

	var opts []assignment.ServiceOption
	if cfg.CRM.MaxConcurrency > 0 {
		opts = append(opts, assignment.WithConcurrency(cfg.CRM.MaxConcurrency))
	}

	stack.Service = assignment.NewService(assignment.Deps{
		CRM:       crmClient,
		Roster:    stack.Roster,
		Rules:     ruleSource,
		Audit:     stack.Audit,
		History:   stack.AuditLog,
		Locker:    stack.Locker,
		Publisher: res.Publisher,
	}, rules.NewEngine(cfg.Rules.Fallback, log), gate, cfg.Assignment, log, opts...)

	return stack, nil
}

// freshCatalog reloads before handing out rules so a run sees writes made
// moments earlier through the API.
type freshCatalog struct {
	*rules.Catalog
}

func (c freshCatalog) EnabledRules(ctx context.Context, entityType string) ([]rules.Rule, error) {
	if err := c.ReloadRules(ctx, true); err != nil {
		return nil, err
	}
	return c.Catalog.EnabledRules(ctx, entityType)
}
