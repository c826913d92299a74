// Package reconciliation decides which owner changes a distribution plan
// actually requires.
package reconciliation

import (
	"time"

	"dutyassign/internal/audit"
	"dutyassign/internal/distribution"
	"dutyassign/internal/rules"
	"dutyassign/pkg/models"
)

// Delta is a single owner change to push to the CRM.
type Delta struct {
	EntityType        string
	EntityID          int64
	OldOwnerID        *int64
	NewOwnerID        int64
	RuleID            int64
	RelatedEntityType string
	RelatedEntityID   *int64
}

func (d Delta) Entry(source string, at time.Time) audit.Entry {
	entry := audit.Entry{
		EntityType:        d.EntityType,
		EntityID:          d.EntityID,
		OldAssignedByID:   d.OldOwnerID,
		NewAssignedByID:   d.NewOwnerID,
		Source:            source,
		RelatedEntityType: d.RelatedEntityType,
		RelatedEntityID:   d.RelatedEntityID,
		CreatedAt:         at,
	}
	if d.RuleID != 0 {
		entry.RuleID = audit.Int64Ptr(d.RuleID)
	}
	return entry
}

// Related is a snapshot of the contacts and companies linked to planned
// deals, fetched before planning. Owners missing from the maps are treated as
// unknown.
type Related struct {
	ContactsByDeal map[int64][]int64
	CompanyByDeal  map[int64]int64
	ContactOwners  map[int64]*int64
	CompanyOwners  map[int64]*int64
}

type Input struct {
	EntityType string
	RuleID     int64
	Plan       distribution.Plan
	Cascade    bool
	Related    Related
}

// Result groups deltas in the order they must be written.
type Result struct {
	Main      []Delta
	Contacts  []Delta
	Companies []Delta
}

func (r Result) All() []Delta {
	all := make([]Delta, 0, r.Len())
	all = append(all, r.Main...)
	all = append(all, r.Contacts...)
	all = append(all, r.Companies...)
	return all
}

func (r Result) Len() int {
	return len(r.Main) + len(r.Contacts) + len(r.Companies)
}

// Entries builds the audit entries matching deltas one to one.
func Entries(deltas []Delta, source string, at time.Time) []audit.Entry {
	entries := make([]audit.Entry, 0, len(deltas))
	for _, d := range deltas {
		entries = append(entries, d.Entry(source, at))
	}
	return entries
}

type Planner struct{}

func NewPlanner() *Planner {
	return &Planner{}
}

// Plan compares planned owners with current ones. It is pure: the same input
// always yields the same result and nothing is emitted where old == new.
func (p *Planner) Plan(in Input) Result {
	var result Result

	seenContacts := make(map[int64]struct{})
	seenCompanies := make(map[int64]struct{})
	cascade := in.Cascade && in.EntityType == models.EntityDeal

	for _, assignment := range in.Plan.Assignments {
		for _, record := range assignment.Records {
			id, ok := record.GetInt("ID")
			if !ok {
				continue
			}

			if delta, changed := diff(in.EntityType, id, CurrentOwner(record), assignment.UserID, in.RuleID); changed {
				result.Main = append(result.Main, delta)
			}

			if !cascade {
				continue
			}

			for _, contactID := range in.Related.ContactsByDeal[id] {
				if _, dup := seenContacts[contactID]; dup {
					continue
				}
				seenContacts[contactID] = struct{}{}

				delta, changed := diff(models.EntityContact, contactID, in.Related.ContactOwners[contactID], assignment.UserID, in.RuleID)
				if changed {
					delta.RelatedEntityType = models.EntityDeal
					delta.RelatedEntityID = audit.Int64Ptr(id)
					result.Contacts = append(result.Contacts, delta)
				}
			}

			companyID, ok := in.Related.CompanyByDeal[id]
			if !ok || companyID == 0 {
				continue
			}
			if _, dup := seenCompanies[companyID]; dup {
				continue
			}
			seenCompanies[companyID] = struct{}{}

			delta, changed := diff(models.EntityCompany, companyID, in.Related.CompanyOwners[companyID], assignment.UserID, in.RuleID)
			if changed {
				delta.RelatedEntityType = models.EntityDeal
				delta.RelatedEntityID = audit.Int64Ptr(id)
				result.Companies = append(result.Companies, delta)
			}
		}
	}

	return result
}

// CurrentOwner reads ASSIGNED_BY_ID. An absent or unparseable owner is nil.
func CurrentOwner(record rules.Record) *int64 {
	owner, ok := record.GetInt(rules.FieldAssignedBy)
	if !ok {
		return nil
	}
	return &owner
}

func diff(entityType string, id int64, old *int64, target, ruleID int64) (Delta, bool) {
	if old != nil && *old == target {
		return Delta{}, false
	}
	return Delta{
		EntityType: entityType,
		EntityID:   id,
		OldOwnerID: old,
		NewOwnerID: target,
		RuleID:     ruleID,
	}, true
}
