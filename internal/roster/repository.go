package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"dutyassign/internal/constants"
	pkgerrors "dutyassign/pkg/errors"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/models"
)

type Repository interface {
	ListUsers(ctx context.Context, activeOnly bool) ([]User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	UpsertUsers(ctx context.Context, users []User) (SyncResult, error)
	SetUserActive(ctx context.Context, id int64, active bool) error

	ListDefaultUsers(ctx context.Context, activeOnly bool) ([]DefaultUser, error)
	AddDefaultUser(ctx context.Context, userID int64, position int) (*DefaultUser, error)
	RemoveDefaultUser(ctx context.Context, userID int64) error
	ReorderDefaultUsers(ctx context.Context, userIDs []int64) error

	ListDays(ctx context.Context, from, to string) ([]Day, error)
	GetDay(ctx context.Context, date string) (*Day, error)
	ReplaceDays(ctx context.Context, from, to string, days []DayPlan) error
	DeleteDay(ctx context.Context, date string) error

	OnDuty(ctx context.Context, date time.Time) ([]models.OnDutyUser, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `u.id, u.name, u.last_name, u.email, u.active, u.created_at, u.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner, extra ...interface{}) (User, error) {
	var u User
	dest := append([]interface{}{&u.ID, &u.Name, &u.LastName, &u.Email, &u.Active, &u.CreatedAt, &u.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) ListUsers(ctx context.Context, activeOnly bool) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users u`
	if activeOnly {
		query += ` WHERE u.active`
	}
	query += ` ORDER BY u.name, u.last_name, u.id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("user %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// UpsertUsers inserts or refreshes users in one transaction.
func (r *PostgresRepository) UpsertUsers(ctx context.Context, users []User) (SyncResult, error) {
	result := SyncResult{Total: len(users)}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO users (id, name, last_name, email, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, last_name = EXCLUDED.last_name,
		    email = EXCLUDED.email, active = EXCLUDED.active, updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`

	for _, u := range users {
		var inserted bool
		if err := tx.QueryRowContext(ctx, query, u.ID, u.Name, u.LastName, u.Email, u.Active).Scan(&inserted); err != nil {
			return result, fmt.Errorf("failed to upsert user %d: %w", u.ID, err)
		}
		if inserted {
			result.Created++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit users: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) SetUserActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res, fmt.Sprintf("user %d not found", id))
}

func (r *PostgresRepository) ListDefaultUsers(ctx context.Context, activeOnly bool) ([]DefaultUser, error) {
	query := `
		SELECT ` + userColumns + `, d.id, d.position
		FROM default_users d
		JOIN users u ON u.id = d.user_id
	`
	if activeOnly {
		query += ` WHERE u.active`
	}
	query += ` ORDER BY d.position, d.id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list default users: %w", err)
	}
	defer rows.Close()

	defaults := make([]DefaultUser, 0)
	for rows.Next() {
		var d DefaultUser
		u, err := scanUser(rows, &d.ID, &d.Position)
		if err != nil {
			return nil, fmt.Errorf("failed to scan default user: %w", err)
		}
		d.UserID = u.ID
		d.User = u
		defaults = append(defaults, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list default users: %w", err)
	}
	return defaults, nil
}

func (r *PostgresRepository) AddDefaultUser(ctx context.Context, userID int64, position int) (*DefaultUser, error) {
	var d DefaultUser
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO default_users (user_id, position) VALUES ($1, $2)
		RETURNING id, user_id, position
	`, userID, position).Scan(&d.ID, &d.UserID, &d.Position)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Code {
			case "23505":
				return nil, pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("user %d is already a default user", userID))
			case "23503":
				return nil, pkgerrors.ErrNotFound.WithCause(err).WithDetail("message", fmt.Sprintf("user %d not found", userID))
			}
		}
		return nil, fmt.Errorf("failed to add default user: %w", err)
	}

	user, err := r.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.User = *user
	return &d, nil
}

func (r *PostgresRepository) RemoveDefaultUser(ctx context.Context, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM default_users WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to remove default user: %w", err)
	}
	return requireRow(res, fmt.Sprintf("user %d is not a default user", userID))
}

// ReorderDefaultUsers sets position to the index of each id in userIDs.
func (r *PostgresRepository) ReorderDefaultUsers(ctx context.Context, userIDs []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE default_users SET position = $1 WHERE user_id = $2`, i, id); err != nil {
			return fmt.Errorf("failed to reorder default users: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit default users order: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListDays(ctx context.Context, from, to string) ([]Day, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, to_char(s.date, 'YYYY-MM-DD'), s.created_at, s.updated_at
		FROM duty_schedule s
		WHERE s.date BETWEEN $1 AND $2
		ORDER BY s.date
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule: %w", err)
	}

	days := make([]Day, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var d Day
		if err := rows.Scan(&d.ID, &d.Date, &d.CreatedAt, &d.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		d.Users = make([]User, 0)
		days = append(days, d)
		ids = append(ids, d.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list schedule: %w", err)
	}

	if len(ids) == 0 {
		return days, nil
	}

	users, err := r.dayUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range days {
		if us, ok := users[days[i].ID]; ok {
			days[i].Users = us
		}
	}
	return days, nil
}

func (r *PostgresRepository) dayUsers(ctx context.Context, scheduleIDs []int64) (map[int64][]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`, su.schedule_id
		FROM duty_schedule_users su
		JOIN users u ON u.id = su.user_id
		WHERE su.schedule_id = ANY($1)
		ORDER BY su.schedule_id, su.position, u.id
	`, pq.Array(scheduleIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule users: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]User)
	for rows.Next() {
		var scheduleID int64
		u, err := scanUser(rows, &scheduleID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule user: %w", err)
		}
		out[scheduleID] = append(out[scheduleID], u)
	}
	return out, rows.Err()
}

// GetDay returns nil when no schedule exists for date.
func (r *PostgresRepository) GetDay(ctx context.Context, date string) (*Day, error) {
	days, err := r.ListDays(ctx, date, date)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}
	return &days[0], nil
}

// ReplaceDays deletes every day in [from, to] and writes days in one
// transaction.
func (r *PostgresRepository) ReplaceDays(ctx context.Context, from, to string, days []DayPlan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM duty_schedule WHERE date BETWEEN $1 AND $2`, from, to); err != nil {
		return fmt.Errorf("failed to clear schedule: %w", err)
	}

	for _, day := range days {
		var scheduleID int64
		if err := tx.QueryRowContext(ctx, `INSERT INTO duty_schedule (date) VALUES ($1) RETURNING id`, day.Date).Scan(&scheduleID); err != nil {
			return fmt.Errorf("failed to create schedule for %s: %w", day.Date, err)
		}
		for pos, userID := range day.UserIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO duty_schedule_users (schedule_id, user_id, position) VALUES ($1, $2, $3)`,
				scheduleID, userID, pos,
			); err != nil {
				if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
					return pkgerrors.ErrNotFound.WithCause(err).WithDetail("message", fmt.Sprintf("user %d not found", userID))
				}
				return fmt.Errorf("failed to add user %d to %s: %w", userID, day.Date, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteDay(ctx context.Context, date string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM duty_schedule WHERE date = $1`, date)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return requireRow(res, fmt.Sprintf("no schedule for %s", date))
}

func (r *PostgresRepository) OnDuty(ctx context.Context, date time.Time) (_ []models.OnDutyUser, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("roster", "postgres", "on_duty", start, err) }(time.Now())

	day, err := r.GetDay(ctx, date.Format(constants.DateLayout))
	if err != nil {
		return nil, err
	}
	users := make([]models.OnDutyUser, 0)
	if day == nil {
		return users, nil
	}
	for _, u := range day.Users {
		users = append(users, u.OnDuty())
	}
	return users, nil
}

func requireRow(res sql.Result, message string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("message", message)
	}
	return nil
}
