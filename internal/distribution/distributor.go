// Package distribution splits matched records between the users on duty.
package distribution

import (
	"dutyassign/internal/rules"
	"dutyassign/pkg/models"
)

// Assignment is the contiguous slice of records given to one user.
type Assignment struct {
	UserID  int64
	Records []rules.Record
}

func (a Assignment) RecordIDs() []string {
	ids := make([]string, 0, len(a.Records))
	for _, r := range a.Records {
		ids = append(ids, r.ID())
	}
	return ids
}

// Plan lists one Assignment per user, in the order users were given.
type Plan struct {
	Assignments []Assignment
}

func (p Plan) Total() int {
	total := 0
	for _, a := range p.Assignments {
		total += len(a.Records)
	}
	return total
}

// Owners maps record id to the planned owner.
func (p Plan) Owners() map[string]int64 {
	owners := make(map[string]int64, p.Total())
	for _, a := range p.Assignments {
		for _, r := range a.Records {
			owners[r.ID()] = a.UserID
		}
	}
	return owners
}

func (p Plan) Empty() bool {
	return p.Total() == 0
}

// Distribute assigns records to users in contiguous chunks. At 100% or more
// every record is assigned, with the first n mod k users taking one extra.
// Below 100% only the first floor(n * min(1, pct*k/100)) records are
// assigned, chunked the same way. The result depends only on the input order.
func Distribute(records []rules.Record, users []models.OnDutyUser, percentage int) Plan {
	if len(users) == 0 || len(records) == 0 {
		return Plan{}
	}

	limit := len(records)
	if percentage < 100 {
		share := float64(percentage*len(users)) / 100
		if share > 1 {
			share = 1
		}
		if share < 0 {
			share = 0
		}
		limit = int(float64(len(records)) * share)
	}

	perUser := limit / len(users)
	remainder := limit % len(users)

	plan := Plan{Assignments: make([]Assignment, 0, len(users))}
	index := 0
	for i, user := range users {
		count := perUser
		if i < remainder {
			count++
		}
		plan.Assignments = append(plan.Assignments, Assignment{
			UserID:  user.ID,
			Records: records[index : index+count : index+count],
		})
		index += count
	}

	return plan
}
