package stage

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/traveler/model"
)

// Stage is the resolved, read-only view of one stage in a Table.
type Stage struct {
	ID        string              `json:"id"`
	Label     string              `json:"label"`
	Track     string              `json:"track"`
	FieldBase string              `json:"fieldBase"`
	Next      string              `json:"next,omitempty"`
	Readiness []string            `json:"readiness"`
	Dispatch  *DispatchDefinition `json:"dispatch,omitempty"`
}

// Terminal reports whether the stage has no outgoing edge.
func (s Stage) Terminal() bool {
	return s.Next == ""
}

// Track is a named group of stages in declaration order.
type Track struct {
	ID     string   `json:"id"`
	Label  string   `json:"label"`
	Stages []string `json:"stages"`
}

// Table is the immutable stage graph. All methods are safe for concurrent use.
type Table struct {
	version  string
	checksum string
	stages   map[string]Stage
	order    []string
	tracks   []Track
}

// NewTable validates doc and builds a Table from it. Validation failures are
// returned as a single INVALID_STAGE_TABLE error listing every problem.
func NewTable(doc Document) (*Table, error) {
	if verrs := NewValidator().Validate(doc); len(verrs) > 0 {
		problems := make([]string, 0, len(verrs))
		for _, ve := range verrs {
			problems = append(problems, ve.Error())
		}
		return nil, model.NewInvalidStageTableError(problems)
	}

	t := &Table{
		version:  doc.Version,
		checksum: doc.Checksum,
		stages:   make(map[string]Stage),
	}
	for _, tr := range doc.Tracks {
		track := Track{ID: tr.ID, Label: tr.Label}
		for _, def := range tr.Stages {
			readiness := def.Readiness
			if len(readiness) == 0 {
				readiness = model.DefaultReadinessFlags
			}
			s := Stage{
				ID:        def.ID,
				Label:     def.Label,
				Track:     tr.ID,
				FieldBase: fieldBase(def),
				Next:      def.Next,
				Readiness: append([]string(nil), readiness...),
			}
			if def.Dispatch != nil {
				s.Dispatch = &DispatchDefinition{
					Tags:            append([]string(nil), def.Dispatch.Tags...),
					ItemDescription: def.Dispatch.ItemDescription,
				}
			}
			t.stages[s.ID] = s
			t.order = append(t.order, s.ID)
			track.Stages = append(track.Stages, s.ID)
		}
		t.tracks = append(t.tracks, track)
	}
	return t, nil
}

// Version returns the document version the table was built from.
func (t *Table) Version() string { return t.version }

// Checksum returns the SHA-256 of the source document.
func (t *Table) Checksum() string { return t.checksum }

// Has reports whether id is a known stage.
func (t *Table) Has(id string) bool {
	_, ok := t.stages[id]
	return ok
}

// Lookup returns the stage with the given id.
func (t *Table) Lookup(id string) (Stage, error) {
	s, ok := t.stages[id]
	if !ok {
		return Stage{}, model.NewStageNotFoundError(id)
	}
	return s.copy(), nil
}

// Next returns the stage that follows id. ok is false for a terminal stage.
func (t *Table) Next(id string) (next string, ok bool, err error) {
	s, found := t.stages[id]
	if !found {
		return "", false, model.NewStageNotFoundError(id)
	}
	return s.Next, s.Next != "", nil
}

// StatusField returns the work-order field holding the stage's status record.
func (t *Table) StatusField(id string) (string, error) {
	return t.field(id, model.StatusSuffix)
}

// ChecklistField returns the work-order field holding the stage's checklist.
func (t *Table) ChecklistField(id string) (string, error) {
	return t.field(id, model.ChecklistSuffix)
}

// ParamsField returns the work-order field holding the stage's process
// parameters.
func (t *Table) ParamsField(id string) (string, error) {
	return t.field(id, model.ParamsSuffix)
}

func (t *Table) field(id, suffix string) (string, error) {
	s, ok := t.stages[id]
	if !ok {
		return "", model.NewStageNotFoundError(id)
	}
	return s.FieldBase + suffix, nil
}

// DisplayName returns the human-readable label of the stage.
func (t *Table) DisplayName(id string) (string, error) {
	s, ok := t.stages[id]
	if !ok {
		return "", model.NewStageNotFoundError(id)
	}
	return s.Label, nil
}

// ReadinessFlags returns the names of the flags that gate leaving the stage.
func (t *Table) ReadinessFlags(id string) ([]string, error) {
	s, ok := t.stages[id]
	if !ok {
		return nil, model.NewStageNotFoundError(id)
	}
	return append([]string(nil), s.Readiness...), nil
}

// RequiresDispatchOnEntry reports whether entering the stage creates a
// dispatch record. Unknown stages never do.
func (t *Table) RequiresDispatchOnEntry(id string) bool {
	s, ok := t.stages[id]
	return ok && s.Dispatch != nil
}

// BuildDispatchPayload builds the dispatch record produced when wo enters the
// stage at now. The record carries a fresh id.
func (t *Table) BuildDispatchPayload(id string, wo model.WorkOrder, now time.Time) (model.DispatchRecord, error) {
	s, ok := t.stages[id]
	if !ok {
		return model.DispatchRecord{}, model.NewStageNotFoundError(id)
	}
	if s.Dispatch == nil {
		return model.DispatchRecord{}, model.NewBadRequestError("stage " + id + " does not produce a dispatch record")
	}

	qty := wo.Quantity
	if qty <= 0 {
		qty = 1
	}
	name := wo.Product
	if name == "" {
		name = wo.WONumber
	}

	return model.DispatchRecord{
		ID:          uuid.NewString(),
		WorkOrderID: wo.ID,
		WONumber:    wo.WONumber,
		Stage:       s.ID,
		ReleasedAt:  now,
		Items: []model.DispatchItem{{
			Name:        name,
			Description: s.Dispatch.ItemDescription,
			Quantity:    qty,
		}},
		Tags:      append([]string(nil), s.Dispatch.Tags...),
		Priority:  wo.Priority,
		CreatedAt: now,
	}, nil
}

// Stages returns every stage in declaration order.
func (t *Table) Stages() []Stage {
	out := make([]Stage, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.stages[id].copy())
	}
	return out
}

// Tracks returns every track in declaration order.
func (t *Table) Tracks() []Track {
	out := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		tr.Stages = append([]string(nil), tr.Stages...)
		out = append(out, tr)
	}
	return out
}

// TrackStages returns the stage ids of the named track, or false if the
// track does not exist.
func (t *Table) TrackStages(track string) ([]string, bool) {
	for _, tr := range t.tracks {
		if tr.ID == track {
			return append([]string(nil), tr.Stages...), true
		}
	}
	return nil, false
}

func (s Stage) copy() Stage {
	s.Readiness = append([]string(nil), s.Readiness...)
	if s.Dispatch != nil {
		d := *s.Dispatch
		d.Tags = append([]string(nil), d.Tags...)
		s.Dispatch = &d
	}
	return s
}

// fieldBase is the prefix of a stage's work-order sub-record fields.
func fieldBase(def Definition) string {
	if def.Field != "" {
		return def.Field
	}
	return camelCase(def.ID)
}

// camelCase converts a snake_case stage id into lowerCamelCase.
func camelCase(id string) string {
	parts := strings.Split(id, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
