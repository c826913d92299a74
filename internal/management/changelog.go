package management

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ChangeStore interface {
	RecordChange(ctx context.Context, change RuleChange) error
	// ListChanges returns the newest changes first. A nil ruleID lists all
	// rules.
	ListChanges(ctx context.Context, ruleID *int64, limit int) ([]RuleChange, error)
}

// ChangeLog keeps the configuration history of assignment rules in
// rule_changes.
type ChangeLog struct {
	db *sql.DB
}

func NewChangeLog(db *sql.DB) *ChangeLog {
	return &ChangeLog{db: db}
}

func (l *ChangeLog) RecordChange(ctx context.Context, change RuleChange) error {
	query := `
		INSERT INTO rule_changes (id, rule_id, action, old_value, new_value, changed_by, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}

	oldValue, err := jsonOrNull(change.OldValue)
	if err != nil {
		return err
	}
	newValue, err := jsonOrNull(change.NewValue)
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx, query,
		change.ID, change.RuleID, change.Action, oldValue, newValue,
		change.ChangedBy, nullString(change.IPAddress), change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record rule change: %w", err)
	}
	return nil
}

func (l *ChangeLog) ListChanges(ctx context.Context, ruleID *int64, limit int) ([]RuleChange, error) {
	query := `SELECT id, rule_id, action, old_value, new_value, changed_by, ip_address, created_at
		FROM rule_changes`
	args := []interface{}{limit}
	if ruleID != nil {
		query += ` WHERE rule_id = $2`
		args = append(args, *ruleID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule changes: %w", err)
	}
	defer rows.Close()

	changes := make([]RuleChange, 0)
	for rows.Next() {
		var (
			c        RuleChange
			rid      sql.NullInt64
			oldValue []byte
			newValue []byte
			ip       sql.NullString
		)
		if err := rows.Scan(&c.ID, &rid, &c.Action, &oldValue, &newValue, &c.ChangedBy, &ip, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule change: %w", err)
		}
		if rid.Valid {
			c.RuleID = &rid.Int64
		}
		c.IPAddress = ip.String
		if len(oldValue) > 0 {
			if err := json.Unmarshal(oldValue, &c.OldValue); err != nil {
				return nil, fmt.Errorf("failed to decode old value: %w", err)
			}
		}
		if len(newValue) > 0 {
			if err := json.Unmarshal(newValue, &c.NewValue); err != nil {
				return nil, fmt.Errorf("failed to decode new value: %w", err)
			}
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return changes, nil
}

func jsonOrNull(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule snapshot: %w", err)
	}
	return b, nil
}
