// Package roster manages CRM users, the default rotation and the per-day
// duty schedule.
package roster

import (
	"strings"
	"time"

	"dutyassign/pkg/models"
)

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u User) DisplayName() string {
	name := strings.TrimSpace(u.Name + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

func (u User) OnDuty() models.OnDutyUser {
	return models.OnDutyUser{ID: u.ID, Name: u.DisplayName()}
}

type DefaultUser struct {
	ID       int64 `json:"id"`
	UserID   int64 `json:"user_id"`
	Position int   `json:"position"`
	User     User  `json:"user"`
}

// Day is the duty assignment for one civil date (YYYY-MM-DD).
type Day struct {
	ID        int64     `json:"id"`
	Date      string    `json:"date"`
	Users     []User    `json:"users"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d Day) UserIDs() []int64 {
	ids := make([]int64, 0, len(d.Users))
	for _, u := range d.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

// DayPlan is a day to write: the date and its ordered user ids.
type DayPlan struct {
	Date    string
	UserIDs []int64
}

type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
}
