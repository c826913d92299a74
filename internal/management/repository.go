package management

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"dutyassign/internal/rules"
	pkgerrors "dutyassign/pkg/errors"
)

type Repository interface {
	CreateRule(ctx context.Context, spec *rules.Spec) error
	// GetRule returns nil when the rule does not exist.
	GetRule(ctx context.Context, id int64) (*rules.Spec, error)
	ListRules(ctx context.Context, entityType string) ([]rules.Spec, error)
	// UpdateRule writes spec; its users are replaced only when replaceUsers is
	// set.
	UpdateRule(ctx context.Context, spec *rules.Spec, replaceUsers bool) error
	DeleteRule(ctx context.Context, id int64) error
	AddRuleUser(ctx context.Context, ruleID int64, user rules.RuleUser) error
	RemoveRuleUser(ctx context.Context, ruleID, userID int64) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateRule(ctx context.Context, spec *rules.Spec) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO update_rules (entity_type, entity_name, rule_type, condition_config, priority, enabled,
			update_time, update_days, distribution_percentage, update_related_contacts_companies)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		spec.EntityType, spec.Name, spec.RuleType, []byte(spec.ConditionConfig),
		spec.Priority, spec.Enabled, nullString(spec.UpdateTime), days(spec.UpdateDays),
		spec.DistributionPercentage, spec.CascadeRelated,
	).Scan(&spec.ID, &spec.CreatedAt, &spec.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "failed to create rule")
	}

	if err := insertRuleUsers(ctx, tx, spec.ID, spec.Users); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetRule(ctx context.Context, id int64) (*rules.Spec, error) {
	query := `SELECT ` + rules.SpecColumns + ` FROM update_rules WHERE id = $1`

	spec, err := rules.ScanSpec(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	users, err := rules.ListRuleUsers(ctx, r.db, []int64{id})
	if err != nil {
		return nil, err
	}
	spec.Users = users[id]
	return &spec, nil
}

// ListRules returns rules in evaluation order. An empty entityType lists
// every rule.
func (r *PostgresRepository) ListRules(ctx context.Context, entityType string) ([]rules.Spec, error) {
	query := `SELECT ` + rules.SpecColumns + ` FROM update_rules`
	var args []interface{}
	if entityType != "" {
		query += ` WHERE entity_type = $1`
		args = append(args, entityType)
	}
	query += ` ORDER BY priority ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	specs := make([]rules.Spec, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		spec, err := rules.ScanSpec(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		specs = append(specs, spec)
		ids = append(ids, spec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	users, err := rules.ListRuleUsers(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range specs {
		specs[i].Users = users[specs[i].ID]
	}
	return specs, nil
}

func (r *PostgresRepository) UpdateRule(ctx context.Context, spec *rules.Spec, replaceUsers bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE update_rules
		SET entity_type = $1, entity_name = $2, rule_type = $3, condition_config = $4, priority = $5,
			enabled = $6, update_time = $7, update_days = $8, distribution_percentage = $9,
			update_related_contacts_companies = $10, updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		spec.EntityType, spec.Name, spec.RuleType, []byte(spec.ConditionConfig),
		spec.Priority, spec.Enabled, nullString(spec.UpdateTime), days(spec.UpdateDays),
		spec.DistributionPercentage, spec.CascadeRelated, spec.ID,
	).Scan(&spec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pkgerrors.ErrNotFound.WithDetail("id", spec.ID)
	}
	if err != nil {
		return mapWriteError(err, "failed to update rule")
	}

	if replaceUsers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM update_rule_users WHERE rule_id = $1`, spec.ID); err != nil {
			return fmt.Errorf("failed to clear rule users: %w", err)
		}
		if err := insertRuleUsers(ctx, tx, spec.ID, spec.Users); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteRule(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM update_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(res, pkgerrors.ErrNotFound.WithDetail("id", id))
}

// AddRuleUser inserts user, or updates its weight when already present.
func (r *PostgresRepository) AddRuleUser(ctx context.Context, ruleID int64, user rules.RuleUser) error {
	query := `
		INSERT INTO update_rule_users (rule_id, user_id, distribution_percentage)
		VALUES ($1, $2, $3)
		ON CONFLICT (rule_id, user_id) DO UPDATE SET distribution_percentage = EXCLUDED.distribution_percentage
	`
	if _, err := r.db.ExecContext(ctx, query, ruleID, user.UserID, user.DistributionPercentage); err != nil {
		return mapWriteError(err, "failed to add rule user")
	}
	return nil
}

func (r *PostgresRepository) RemoveRuleUser(ctx context.Context, ruleID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM update_rule_users WHERE rule_id = $1 AND user_id = $2`, ruleID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove rule user: %w", err)
	}
	return requireRow(res, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("user %d is not assigned to rule %d", userID, ruleID)))
}

func insertRuleUsers(ctx context.Context, tx *sql.Tx, ruleID int64, users []rules.RuleUser) error {
	for _, u := range users {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO update_rule_users (rule_id, user_id, distribution_percentage) VALUES ($1, $2, $3)`,
			ruleID, u.UserID, u.DistributionPercentage,
		)
		if err != nil {
			return mapWriteError(err, "failed to add rule user")
		}
	}
	return nil
}

// mapWriteError turns unique and foreign key violations into client errors.
func mapWriteError(err error, message string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", pqErr.Message)
		case "23503":
			return pkgerrors.ErrValidation.WithCause(err).WithDetail("message", "referenced user does not exist")
		}
	}
	return fmt.Errorf("%s: %w", message, err)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func days(d []int) interface{} {
	if len(d) == 0 {
		return nil
	}
	out := make(pq.Int64Array, 0, len(d))
	for _, v := range d {
		out = append(out, int64(v))
	}
	return out
}
