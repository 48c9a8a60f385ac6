// Package readiness computes the named preconditions that gate moving a work
// order out of its current stage.
package readiness

import (
	"sort"
	"strings"

	"github.com/pitabwire/traveler/internal/stage"
	"github.com/pitabwire/traveler/model"
)

// AttachmentCategoryIntake marks documents supplied at wire harness intake.
const AttachmentCategoryIntake = "intake"

// Flags maps readiness flag name to its current value.
type Flags map[string]bool

// AllReady reports whether the flag set is non-empty and every flag is true.
func AllReady(f Flags) bool {
	if len(f) == 0 {
		return false
	}
	for _, ok := range f {
		if !ok {
			return false
		}
	}
	return true
}

// Failing returns the names of false flags in sorted order.
func (f Flags) Failing() []string {
	var out []string
	for name, ok := range f {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Evaluator derives readiness flags from a work order using the flag list
// declared for each stage in the table. It holds no state besides the table.
type Evaluator struct {
	table *stage.Table
}

// NewEvaluator creates an Evaluator over the given table.
func NewEvaluator(table *stage.Table) *Evaluator {
	return &Evaluator{table: table}
}

// Evaluate computes the readiness flags for wo leaving stageID. An unknown
// stage yields an empty set, which AllReady treats as not ready.
func (e *Evaluator) Evaluate(wo model.WorkOrder, stageID string) Flags {
	s, err := e.table.Lookup(stageID)
	if err != nil {
		return Flags{}
	}

	flags := make(Flags, len(s.Readiness))
	for _, name := range s.Readiness {
		switch name {
		case model.FlagChecklistComplete:
			flags[name] = ChecklistComplete(wo.Checklist(s.FieldBase + model.ChecklistSuffix))
		case model.FlagQualityApproved:
			flags[name] = QualityApproved(wo.Status(s.FieldBase + model.StatusSuffix))
		case model.FlagParametersSet:
			flags[name] = ParametersSet(wo.Param(s.FieldBase + model.ParamsSuffix))
		case model.FlagFilesUploaded:
			// No upload check exists yet; the flag is always satisfied.
			flags[name] = true
		case model.FlagDocumentsReady:
			flags[name] = DocumentsReady(wo.Attachments)
		default:
			flags[name] = false
		}
	}
	return flags
}

// ChecklistComplete reports whether the checklist has at least one section,
// every section has at least one item, and every item is done.
func ChecklistComplete(cl model.Checklist) bool {
	if len(cl) == 0 {
		return false
	}
	for _, section := range cl {
		if len(section.Items) == 0 {
			return false
		}
		for _, item := range section.Items {
			if !item.Done {
				return false
			}
		}
	}
	return true
}

var approvedStates = map[string]bool{
	"approved":  true,
	"ready":     true,
	"completed": true,
}

// QualityApproved reports whether the status state is approved, ready or
// completed, ignoring case.
func QualityApproved(st model.StageStatus) bool {
	return approvedStates[strings.ToLower(strings.TrimSpace(st.State))]
}

// ParametersSet reports whether at least one process parameter is recorded.
func ParametersSet(params map[string]any) bool {
	return len(params) > 0
}

// DocumentsReady reports whether an intake document is attached.
func DocumentsReady(atts []model.Attachment) bool {
	for _, a := range atts {
		if strings.EqualFold(a.Category, AttachmentCategoryIntake) {
			return true
		}
	}
	return false
}
