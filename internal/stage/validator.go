package stage

import (
	"fmt"
	"strings"

	"github.com/pitabwire/traveler/model"
)

// VError describes a single problem in a stage table document.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks a stage table document structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in doc. A nil result means the
// document can be turned into a Table.
func (v *Validator) Validate(doc Document) []VError {
	var errs []VError

	if len(doc.Tracks) == 0 {
		errs = append(errs, VError{Path: "tracks", Code: "REQUIRED", Message: "at least one track is required"})
		return errs
	}

	trackOf := make(map[string]string)
	defs := make(map[string]Definition)
	fieldOwner := make(map[string]string)
	trackIDs := make(map[string]bool)

	for i, tr := range doc.Tracks {
		tp := fmt.Sprintf("tracks[%d]", i)
		if tr.ID == "" {
			errs = append(errs, VError{Path: tp + ".id", Code: "REQUIRED", Message: "id is required"})
		} else if trackIDs[tr.ID] {
			errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate track %q", tr.ID)})
		}
		trackIDs[tr.ID] = true

		if len(tr.Stages) == 0 {
			errs = append(errs, VError{Path: tp + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
		}

		for j, def := range tr.Stages {
			sp := fmt.Sprintf("%s.stages[%d]", tp, j)
			errs = append(errs, v.validateStage(sp, def)...)
			if def.ID == "" {
				continue
			}
			if _, dup := defs[def.ID]; dup {
				errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate stage %q", def.ID)})
				continue
			}
			defs[def.ID] = def
			trackOf[def.ID] = tr.ID

			base := fieldBase(def)
			if owner, taken := fieldOwner[base]; taken {
				errs = append(errs, VError{
					Path:    sp + ".field",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("field %q already used by stage %q", base, owner),
				})
			} else {
				fieldOwner[base] = def.ID
			}
		}
	}

	errs = append(errs, v.validateEdges(defs, trackOf)...)
	return errs
}

func (v *Validator) validateStage(prefix string, def Definition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Label == "" {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if def.Field == "" && def.ID != "" && !validIdentifier(camelCase(def.ID)) {
		errs = append(errs, VError{
			Path:    prefix + ".field",
			Code:    "REQUIRED",
			Message: fmt.Sprintf("stage %q needs an explicit field name", def.ID),
		})
	}
	if def.Field != "" && !validIdentifier(def.Field) {
		errs = append(errs, VError{Path: prefix + ".field", Code: "INVALID", Message: fmt.Sprintf("invalid field name %q", def.Field)})
	}

	for k, flag := range def.Readiness {
		if !model.IsKnownReadinessFlag(flag) {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.readiness[%d]", prefix, k),
				Code:    "INVALID_ENUM",
				Message: fmt.Sprintf("unknown readiness flag %q", flag),
			})
		}
	}

	if def.Dispatch != nil {
		if len(def.Dispatch.Tags) == 0 {
			errs = append(errs, VError{Path: prefix + ".dispatch.tags", Code: "REQUIRED", Message: "dispatch requires at least one tag"})
		}
		for k, tag := range def.Dispatch.Tags {
			if strings.TrimSpace(tag) == "" {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.dispatch.tags[%d]", prefix, k),
					Code:    "REQUIRED",
					Message: "tag must not be blank",
				})
			}
		}
	}

	return errs
}

// validateEdges checks that every edge resolves, that following edges from
// any stage terminates, and that an edge leaving its track lands on a shared
// terminal stage.
func (v *Validator) validateEdges(defs map[string]Definition, trackOf map[string]string) []VError {
	var errs []VError

	for _, id := range sortedKeys(defs) {
		def := defs[id]
		if def.Next == "" {
			continue
		}
		target, ok := defs[def.Next]
		if !ok {
			errs = append(errs, VError{
				Path:    id + ".next",
				Code:    "UNKNOWN_STAGE",
				Message: fmt.Sprintf("next stage %q is not defined", def.Next),
			})
			continue
		}
		if trackOf[id] != trackOf[def.Next] && target.Next != "" {
			errs = append(errs, VError{
				Path:    id + ".next",
				Code:    "CROSS_TRACK",
				Message: fmt.Sprintf("stage %q leaves track %q for non-terminal stage %q", id, trackOf[id], def.Next),
			})
		}
	}

	// Each stage has at most one outgoing edge, so a walk that revisits a
	// stage has found a cycle.
	reported := make(map[string]bool)
	for _, start := range sortedKeys(defs) {
		seen := map[string]bool{start: true}
		cur := defs[start].Next
		for cur != "" {
			if seen[cur] {
				if !reported[cur] {
					reported[cur] = true
					errs = append(errs, VError{
						Path:    start + ".next",
						Code:    "CYCLE",
						Message: fmt.Sprintf("stage graph cycles through %q", cur),
					})
				}
				break
			}
			seen[cur] = true
			next, ok := defs[cur]
			if !ok {
				break
			}
			cur = next.Next
		}
	}

	return errs
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
