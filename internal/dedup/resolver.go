// Package dedup turns AI duplicate-group judgments into per-receipt
// persistence metadata.
package dedup

import (
	"github.com/google/uuid"

	"github.com/budgetly/mailsync/internal/model"
)

// Assignment is the duplicate metadata for one receipt position: the group
// it belongs to and whether it is the member to surface by default.
type Assignment struct {
	GroupID   string
	IsPrimary bool
	Reason    string
}

// Resolve mints a fresh group id per duplicate group and maps every member
// position to its assignment. Exactly one member per group is primary: the
// group's primary index. Positions absent from the result are singletons.
// Later groups win if the detector ever returns overlapping groups.
func Resolve(groups []model.DuplicateGroup) map[int]Assignment {
	out := make(map[int]Assignment, len(groups))
	for _, grp := range groups {
		if len(grp.Indices) < 2 {
			continue
		}
		groupID := uuid.NewString()
		for _, idx := range grp.Indices {
			out[idx] = Assignment{
				GroupID:   groupID,
				IsPrimary: idx == grp.PrimaryIndex,
				Reason:    grp.Reason,
			}
		}
	}
	return out
}
