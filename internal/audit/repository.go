package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dutyassign/internal/constants"
	"dutyassign/pkg/metrics"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const insertEntry = `
	INSERT INTO update_history (
		entity_type, entity_id, old_assigned_by_id, new_assigned_by_id,
		update_source, rule_id, related_entity_type, related_entity_id, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id, created_at`

const selectEntry = `
	SELECT id, entity_type, entity_id, old_assigned_by_id, new_assigned_by_id,
		update_source, rule_id, related_entity_type, related_entity_id, created_at
	FROM update_history`

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insert(ctx context.Context, q execer, entry Entry) (Entry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var related *string
	if entry.RelatedEntityType != "" {
		related = &entry.RelatedEntityType
	}

	err := q.QueryRowContext(ctx, insertEntry,
		entry.EntityType, entry.EntityID, entry.OldAssignedByID, entry.NewAssignedByID,
		entry.Source, entry.RuleID, related, entry.RelatedEntityID, entry.CreatedAt,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (_ Entry, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("audit", "postgres", "append", start, err) }(time.Now())

	saved, err := insert(ctx, r.db, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to insert history entry: %w", err)
	}
	metrics.AuditEntriesWrittenTotal.WithLabelValues(saved.Source).Inc()
	return saved, nil
}

func (r *PostgresRepository) AppendBatch(ctx context.Context, entries []Entry) (_ []Entry, err error) {
	if len(entries) == 0 {
		return nil, nil
	}
	defer func(start time.Time) { metrics.ObserveQuery("audit", "postgres", "append_batch", start, err) }(time.Now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	saved := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		s, err := insert(ctx, tx, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to insert history entry for %s %d: %w", entry.EntityType, entry.EntityID, err)
		}
		saved = append(saved, s)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit history: %w", err)
	}

	for _, s := range saved {
		metrics.AuditEntriesWrittenTotal.WithLabelValues(s.Source).Inc()
	}
	return saved, nil
}

func (r *PostgresRepository) LastEntry(ctx context.Context, entityType string, entityID int64, source string) (*Entry, error) {
	query := selectEntry + `
		WHERE entity_type = $1 AND entity_id = $2 AND update_source = $3 AND related_entity_type IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, entityType, entityID, source))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last history entry: %w", err)
	}
	return &entry, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter Filter) (_ []Entry, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("audit", "postgres", "list", start, err) }(time.Now())

	where, args := buildWhere(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = constants.DefaultLimit
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}

	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf("%s%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		selectEntry, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}

func (r *PostgresRepository) Count(ctx context.Context, filter Filter) (_ int, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("audit", "postgres", "count", start, err) }(time.Now())

	where, args := buildWhere(filter)

	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM update_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

func buildWhere(filter Filter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != nil {
		add("entity_id = $%d", *filter.EntityID)
	}
	if filter.Source != "" {
		add("update_source = $%d", filter.Source)
	}
	if filter.RuleID != nil {
		add("rule_id = $%d", *filter.RuleID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		oldOwner  sql.NullInt64
		ruleID    sql.NullInt64
		related   sql.NullString
		relatedID sql.NullInt64
	)

	if err := row.Scan(
		&entry.ID,
		&entry.EntityType,
		&entry.EntityID,
		&oldOwner,
		&entry.NewAssignedByID,
		&entry.Source,
		&ruleID,
		&related,
		&relatedID,
		&entry.CreatedAt,
	); err != nil {
		return Entry{}, err
	}

	if oldOwner.Valid {
		entry.OldAssignedByID = &oldOwner.Int64
	}
	if ruleID.Valid {
		entry.RuleID = &ruleID.Int64
	}
	entry.RelatedEntityType = related.String
	if relatedID.Valid {
		entry.RelatedEntityID = &relatedID.Int64
	}

	return entry, nil
}
