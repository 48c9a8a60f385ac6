package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Stage status states.
const (
	StageStatePending  = "pending"
	StageStateInReview = "in_review"
	StageStateApproved = "approved"
	StageStateBlocked  = "blocked"
)

// Field name suffixes for the per-stage sub-records of a work order.
const (
	StatusSuffix    = "Status"
	ChecklistSuffix = "Checklist"
	ParamsSuffix    = "Params"
)

// StageStatus is the approval state of one stage on a work order.
type StageStatus struct {
	State      string     `json:"state,omitempty"      bson:"state,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"  bson:"startedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty" bson:"releasedAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"  bson:"updatedAt,omitempty"`
	Owner      string     `json:"owner,omitempty"      bson:"owner,omitempty"`
	Notes      string     `json:"notes,omitempty"      bson:"notes,omitempty"`
}

// ChecklistItem is a single line of a stage checklist. Older documents mark
// completion with "checked", newer ones with "completed"; both decode into
// Done.
type ChecklistItem struct {
	Label       string     `json:"label,omitempty"       bson:"label,omitempty"`
	Done        bool       `json:"completed"             bson:"done"`
	Notes       string     `json:"notes,omitempty"       bson:"notes,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty" bson:"completedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// UnmarshalJSON accepts either completion field name.
func (i *ChecklistItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Label       string     `json:"label"`
		Checked     bool       `json:"checked"`
		Completed   bool       `json:"completed"`
		Notes       string     `json:"notes"`
		CompletedBy string     `json:"completedBy"`
		CompletedAt *time.Time `json:"completedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = ChecklistItem{
		Label:       raw.Label,
		Done:        raw.Completed || raw.Checked,
		Notes:       raw.Notes,
		CompletedBy: raw.CompletedBy,
		CompletedAt: raw.CompletedAt,
	}
	return nil
}

// ChecklistSection groups checklist items under a named heading.
type ChecklistSection struct {
	Items []ChecklistItem `json:"items" bson:"items"`
}

// Checklist maps section name to section.
type Checklist map[string]ChecklistSection

// Attachment is a file reference stored on a work order.
type Attachment struct {
	ID         string    `json:"id"                   bson:"id"`
	Name       string    `json:"name"                 bson:"name"`
	Category   string    `json:"category"             bson:"category"`
	URL        string    `json:"url,omitempty"        bson:"url,omitempty"`
	UploadedAt time.Time `json:"uploadedAt,omitempty" bson:"uploadedAt,omitempty"`
}

// WorkOrder is a manufacturing job moving through the stage graph.
//
// Per-stage sub-records are kept in maps keyed by their document field name
// (for example "photoImagingStatus"). On the wire they are flattened into
// top-level keys, matching the layout clients already use.
type WorkOrder struct {
	ID            string       `json:"id"                    bson:"_id"`
	WONumber      string       `json:"woNumber"              bson:"woNumber"`
	Stage         string       `json:"stage"                 bson:"stage"`
	Priority      string       `json:"priority,omitempty"    bson:"priority,omitempty"`
	Product       string       `json:"product,omitempty"     bson:"product,omitempty"`
	Customer      string       `json:"customer,omitempty"    bson:"customer,omitempty"`
	Quantity      int          `json:"quantity,omitempty"    bson:"quantity,omitempty"`
	TravelerReady bool         `json:"travelerReady"         bson:"travelerReady"`
	Attachments   []Attachment `json:"attachments,omitempty" bson:"attachments"`
	Version       int64        `json:"version"               bson:"version"`
	CreatedAt     time.Time    `json:"createdAt"             bson:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"             bson:"updatedAt"`

	Statuses   map[string]StageStatus    `json:"-" bson:"statuses"`
	Checklists map[string]Checklist      `json:"-" bson:"checklists"`
	Params     map[string]map[string]any `json:"-" bson:"params"`
}

// workOrderFields has the same layout as WorkOrder without its JSON methods.
type workOrderFields WorkOrder

// MarshalJSON flattens the per-stage maps into top-level keys.
func (wo WorkOrder) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(workOrderFields(wo))
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}

	for name, st := range wo.Statuses {
		if fields[name], err = json.Marshal(st); err != nil {
			return nil, err
		}
	}
	for name, cl := range wo.Checklists {
		if fields[name], err = json.Marshal(cl); err != nil {
			return nil, err
		}
	}
	for name, p := range wo.Params {
		if fields[name], err = json.Marshal(p); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON collects every *Status, *Checklist and *Params key into the
// matching map.
func (wo *WorkOrder) UnmarshalJSON(data []byte) error {
	var base workOrderFields
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*wo = WorkOrder(base)
	wo.ensureMaps()

	for key, raw := range fields {
		if string(raw) == "null" {
			continue
		}
		switch {
		case strings.HasSuffix(key, StatusSuffix) && key != StatusSuffix:
			var st StageStatus
			if err := json.Unmarshal(raw, &st); err != nil {
				return err
			}
			wo.Statuses[key] = st
		case strings.HasSuffix(key, ChecklistSuffix) && key != ChecklistSuffix:
			var cl Checklist
			if err := json.Unmarshal(raw, &cl); err != nil {
				return err
			}
			wo.Checklists[key] = cl
		case strings.HasSuffix(key, ParamsSuffix) && key != ParamsSuffix:
			var p map[string]any
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			wo.Params[key] = p
		}
	}
	return nil
}

func (wo *WorkOrder) ensureMaps() {
	if wo.Statuses == nil {
		wo.Statuses = make(map[string]StageStatus)
	}
	if wo.Checklists == nil {
		wo.Checklists = make(map[string]Checklist)
	}
	if wo.Params == nil {
		wo.Params = make(map[string]map[string]any)
	}
}

// Normalize replaces nil maps and slices with empty ones so that nested
// field updates always have a parent to merge into.
func (wo *WorkOrder) Normalize() {
	wo.ensureMaps()
	if wo.Attachments == nil {
		wo.Attachments = []Attachment{}
	}
}

// Status returns the named status sub-record, zero if absent.
func (wo WorkOrder) Status(field string) StageStatus {
	return wo.Statuses[field]
}

// Checklist returns the named checklist sub-record, nil if absent.
func (wo WorkOrder) Checklist(field string) Checklist {
	return wo.Checklists[field]
}

// Param returns the named parameter sub-record, nil if absent.
func (wo WorkOrder) Param(field string) map[string]any {
	return wo.Params[field]
}

// Clone returns a deep copy of the work order. Parameter values are copied
// one level deep.
func (wo WorkOrder) Clone() WorkOrder {
	out := wo
	out.Statuses = make(map[string]StageStatus, len(wo.Statuses))
	for k, v := range wo.Statuses {
		out.Statuses[k] = v
	}
	out.Checklists = make(map[string]Checklist, len(wo.Checklists))
	for k, cl := range wo.Checklists {
		cp := make(Checklist, len(cl))
		for name, sec := range cl {
			items := make([]ChecklistItem, len(sec.Items))
			copy(items, sec.Items)
			cp[name] = ChecklistSection{Items: items}
		}
		out.Checklists[k] = cp
	}
	out.Params = make(map[string]map[string]any, len(wo.Params))
	for k, p := range wo.Params {
		cp := make(map[string]any, len(p))
		for pk, pv := range p {
			cp[pk] = pv
		}
		out.Params[k] = cp
	}
	if wo.Attachments != nil {
		out.Attachments = make([]Attachment, len(wo.Attachments))
		copy(out.Attachments, wo.Attachments)
	}
	return out
}

// WorkOrderEvent records a change in a work order's stage history.
type WorkOrderEvent struct {
	ID          string    `json:"id"                  bson:"id"`
	WorkOrderID string    `json:"workOrderId"         bson:"workOrderId"`
	Event       string    `json:"event"               bson:"event"`
	FromStage   string    `json:"fromStage,omitempty" bson:"fromStage,omitempty"`
	ToStage     string    `json:"toStage,omitempty"   bson:"toStage,omitempty"`
	ActorID     string    `json:"actorId,omitempty"   bson:"actorId,omitempty"`
	Comment     string    `json:"comment,omitempty"   bson:"comment,omitempty"`
	Timestamp   time.Time `json:"timestamp"           bson:"timestamp"`
}

// Work order history event names.
const (
	EventIntake        = "intake"
	EventStageReleased = "stage_released"
	EventStageEntered  = "stage_entered"
)
