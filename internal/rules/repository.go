package rules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"dutyassign/pkg/metrics"
)

type Repository interface {
	ListRules(ctx context.Context) ([]Spec, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

// SpecColumns is the column list ScanSpec expects, in order.
const SpecColumns = `id, entity_type, entity_name, rule_type, condition_config, priority, enabled,
	update_time, update_days, distribution_percentage, update_related_contacts_companies,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ScanSpec(row rowScanner) (Spec, error) {
	var (
		spec       Spec
		condition  []byte
		updateTime sql.NullString
		updateDays pq.Int64Array
	)

	if err := row.Scan(
		&spec.ID,
		&spec.EntityType,
		&spec.Name,
		&spec.RuleType,
		&condition,
		&spec.Priority,
		&spec.Enabled,
		&updateTime,
		&updateDays,
		&spec.DistributionPercentage,
		&spec.CascadeRelated,
		&spec.CreatedAt,
		&spec.UpdatedAt,
	); err != nil {
		return Spec{}, err
	}

	spec.ConditionConfig = condition
	spec.UpdateTime = updateTime.String
	if updateDays != nil {
		spec.UpdateDays = make([]int, 0, len(updateDays))
		for _, d := range updateDays {
			spec.UpdateDays = append(spec.UpdateDays, int(d))
		}
	}

	return spec, nil
}

func (r *PostgresRepository) ListRules(ctx context.Context) (_ []Spec, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("rules", "postgres", "list_rules", start, err) }(time.Now())

	query := `SELECT ` + SpecColumns + `
		FROM update_rules
		ORDER BY priority ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var specs []Spec
	index := make(map[int64]int)
	for rows.Next() {
		spec, err := ScanSpec(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		index[spec.ID] = len(specs)
		specs = append(specs, spec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	users, err := listRuleUsers(ctx, r.db, nil)
	if err != nil {
		return nil, err
	}
	for ruleID, list := range users {
		if i, ok := index[ruleID]; ok {
			specs[i].Users = list
		}
	}

	return specs, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ListRuleUsers returns the weighted users of the given rules in insertion
// order. A nil ids slice loads all rules.
func ListRuleUsers(ctx context.Context, db *sql.DB, ids []int64) (map[int64][]RuleUser, error) {
	return listRuleUsers(ctx, db, ids)
}

func listRuleUsers(ctx context.Context, q queryer, ids []int64) (map[int64][]RuleUser, error) {
	query := `SELECT rule_id, user_id, distribution_percentage
		FROM update_rule_users`
	var args []interface{}
	if ids != nil {
		query += ` WHERE rule_id = ANY($1)`
		args = append(args, pq.Array(ids))
	}
	query += ` ORDER BY rule_id ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule users: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]RuleUser)
	for rows.Next() {
		var (
			ruleID int64
			user   RuleUser
		)
		if err := rows.Scan(&ruleID, &user.UserID, &user.DistributionPercentage); err != nil {
			return nil, fmt.Errorf("failed to scan rule user: %w", err)
		}
		result[ruleID] = append(result[ruleID], user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return result, nil
}
