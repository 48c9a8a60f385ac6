// Package stage loads the declarative work-order stage graph and serves
// immutable lookups over it.
package stage

// Document is the parsed form of a stage table YAML file.
type Document struct {
	Version string            `yaml:"version" json:"version"`
	Tracks  []TrackDefinition `yaml:"tracks"  json:"tracks"`

	// Populated by the loader.
	Checksum   string `yaml:"-" json:"checksum"`
	SourceFile string `yaml:"-" json:"-"`
}

// TrackDefinition is a named, ordered group of stages.
type TrackDefinition struct {
	ID     string       `yaml:"id"     json:"id"`
	Label  string       `yaml:"label"  json:"label"`
	Stages []Definition `yaml:"stages" json:"stages"`
}

// Definition declares a single stage.
type Definition struct {
	ID        string              `yaml:"id"                  json:"id"`
	Label     string              `yaml:"label"               json:"label"`
	Field     string              `yaml:"field,omitempty"     json:"field,omitempty"`
	Next      string              `yaml:"next,omitempty"      json:"next,omitempty"`
	Readiness []string            `yaml:"readiness,omitempty" json:"readiness,omitempty"`
	Dispatch  *DispatchDefinition `yaml:"dispatch,omitempty"  json:"dispatch,omitempty"`
}

// DispatchDefinition marks a stage whose entry produces a dispatch record.
type DispatchDefinition struct {
	Tags            []string `yaml:"tags"                       json:"tags"`
	ItemDescription string   `yaml:"item_description,omitempty" json:"itemDescription,omitempty"`
}
