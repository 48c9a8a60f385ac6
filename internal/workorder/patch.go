// Package workorder persists work orders and applies partial updates to them
// with a conditional check on the stage the caller last observed.
package workorder

import (
	"time"

	"github.com/pitabwire/traveler/model"
)

// StatusPatch sets individual fields of a stage status sub-record. Zero
// fields are left untouched so sibling values survive the merge.
type StatusPatch struct {
	State      string     `json:"state,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Patch is a partial update to a work order.
type Patch struct {
	// ExpectedStage, when set, makes the update conditional: it is rejected
	// with STALE_STAGE if the stored stage differs.
	ExpectedStage string `json:"expectedStage,omitempty"`

	// Stage moves the work order when non-empty.
	Stage string `json:"stage,omitempty"`

	TravelerReady *bool                  `json:"travelerReady,omitempty"`
	Statuses      map[string]StatusPatch `json:"statuses,omitempty"`

	// Events are appended to the work order's history in the same write.
	Events []model.WorkOrderEvent `json:"events,omitempty"`

	// At is the update timestamp. The store uses the current time if zero.
	At time.Time `json:"at"`
}

// Apply merges the patch into wo. It does not check ExpectedStage or touch
// Version; stores do that under their own locking.
func (p Patch) Apply(wo *model.WorkOrder) {
	wo.Normalize()

	if p.Stage != "" {
		wo.Stage = p.Stage
	}
	if p.TravelerReady != nil {
		wo.TravelerReady = *p.TravelerReady
	}
	for field, sp := range p.Statuses {
		wo.Statuses[field] = sp.merge(wo.Statuses[field])
	}
	if !p.At.IsZero() {
		wo.UpdatedAt = p.At
	}
}

func (sp StatusPatch) merge(st model.StageStatus) model.StageStatus {
	if sp.State != "" {
		st.State = sp.State
	}
	if sp.StartedAt != nil {
		st.StartedAt = sp.StartedAt
	}
	if sp.ReleasedAt != nil {
		st.ReleasedAt = sp.ReleasedAt
	}
	if sp.UpdatedAt != nil {
		st.UpdatedAt = sp.UpdatedAt
	}
	if sp.Owner != "" {
		st.Owner = sp.Owner
	}
	if sp.Notes != "" {
		st.Notes = sp.Notes
	}
	return st
}

// setFields lists the patch as dotted document paths, the form document
// stores accept for nested updates.
func (p Patch) setFields() map[string]any {
	set := make(map[string]any)
	if p.Stage != "" {
		set["stage"] = p.Stage
	}
	if p.TravelerReady != nil {
		set["travelerReady"] = *p.TravelerReady
	}
	for field, sp := range p.Statuses {
		prefix := "statuses." + field + "."
		if sp.State != "" {
			set[prefix+"state"] = sp.State
		}
		if sp.StartedAt != nil {
			set[prefix+"startedAt"] = *sp.StartedAt
		}
		if sp.ReleasedAt != nil {
			set[prefix+"releasedAt"] = *sp.ReleasedAt
		}
		if sp.UpdatedAt != nil {
			set[prefix+"updatedAt"] = *sp.UpdatedAt
		}
		if sp.Owner != "" {
			set[prefix+"owner"] = sp.Owner
		}
		if sp.Notes != "" {
			set[prefix+"notes"] = sp.Notes
		}
	}
	return set
}
