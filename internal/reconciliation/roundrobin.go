package reconciliation

import (
	"sort"

	"dutyassign/internal/audit"
	"dutyassign/pkg/models"
)

// NextAssignee picks the owner for a single-record event. Users are ordered
// by id; if the last webhook assignee is among them the next one (cyclic)
// is chosen, otherwise the first. ok is false when users is empty.
func NextAssignee(users []models.OnDutyUser, last *audit.Entry) (models.OnDutyUser, bool) {
	if len(users) == 0 {
		return models.OnDutyUser{}, false
	}

	sorted := make([]models.OnDutyUser, len(users))
	copy(sorted, users)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	if last == nil {
		return sorted[0], true
	}

	for i, u := range sorted {
		if u.ID == last.NewAssignedByID {
			return sorted[(i+1)%len(sorted)], true
		}
	}
	return sorted[0], true
}

// OwnedByAny reports whether owner is one of users.
func OwnedByAny(owner *int64, users []models.OnDutyUser) bool {
	if owner == nil {
		return false
	}
	for _, u := range users {
		if u.ID == *owner {
			return true
		}
	}
	return false
}

// NoChangeEntry records that an entity was left with an acceptable owner.
func NoChangeEntry(entityType string, entityID, owner, ruleID int64, source string) audit.Entry {
	entry := audit.Entry{
		EntityType:      entityType,
		EntityID:        entityID,
		OldAssignedByID: audit.Int64Ptr(owner),
		NewAssignedByID: owner,
		Source:          source,
	}
	if ruleID != 0 {
		entry.RuleID = audit.Int64Ptr(ruleID)
	}
	return entry
}
