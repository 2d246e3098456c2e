// Package facts extracts durable facts from conversation chunks, merges them, keeps the merged
// set inside a token budget and renders it as a markdown memory document.
package facts

import (
	"encoding/json"
	"strings"
)

// Category names one of the five fixed fact categories.
type Category string

const (
	CategoryPreferences Category = "preferences"
	CategoryProjects    Category = "projects"
	CategoryDates       Category = "dates"
	CategoryBeliefs     Category = "beliefs"
	CategoryDecisions   Category = "decisions"
)

// Categories lists every category in document order.
var Categories = []Category{CategoryPreferences, CategoryProjects, CategoryDates, CategoryBeliefs, CategoryDecisions}

// FactSet is the categorized fact collection extracted from one chunk, or merged from many.
// Slices are never nil after Normalize; JSON output always carries all five categories plus
// total_count.
type FactSet struct {
	Preferences []string    `json:"preferences" jsonschema:"description=How the user likes to work and communicate"`
	Projects    []Project   `json:"projects" jsonschema:"description=Things the user is building or working on"`
	Dates       []DateEvent `json:"dates" jsonschema:"description=Milestones and deadlines with their dates"`
	Beliefs     []string    `json:"beliefs" jsonschema:"description=Principles and values that guide the user"`
	Decisions   []Decision  `json:"decisions" jsonschema:"description=Choices the user made and why"`
}

type Project struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Details     string `json:"details"`
}

type DateEvent struct {
	Event string `json:"event"`
	Date  string `json:"date"`
}

type Decision struct {
	Decision string `json:"decision"`
	Context  string `json:"context"`
}

// Models sometimes answer with a bare string where a record is expected; keep it as the key field.

func (p *Project) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = Project{Name: strings.TrimSpace(s)}
		return nil
	}
	type plain Project
	return json.Unmarshal(b, (*plain)(p))
}

func (d *DateEvent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = DateEvent{Event: strings.TrimSpace(s)}
		return nil
	}
	type plain DateEvent
	return json.Unmarshal(b, (*plain)(d))
}

func (d *Decision) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = Decision{Decision: strings.TrimSpace(s)}
		return nil
	}
	type plain Decision
	return json.Unmarshal(b, (*plain)(d))
}

// Empty returns a FactSet with all five categories present and empty.
func Empty() FactSet {
	return FactSet{
		Preferences: []string{},
		Projects:    []Project{},
		Dates:       []DateEvent{},
		Beliefs:     []string{},
		Decisions:   []Decision{},
	}
}

// Normalize backfills missing categories with empty slices.
func (f FactSet) Normalize() FactSet {
	if f.Preferences == nil {
		f.Preferences = []string{}
	}
	if f.Projects == nil {
		f.Projects = []Project{}
	}
	if f.Dates == nil {
		f.Dates = []DateEvent{}
	}
	if f.Beliefs == nil {
		f.Beliefs = []string{}
	}
	if f.Decisions == nil {
		f.Decisions = []Decision{}
	}
	return f
}

// TotalCount is the number of items across all categories.
func (f FactSet) TotalCount() int {
	return len(f.Preferences) + len(f.Projects) + len(f.Dates) + len(f.Beliefs) + len(f.Decisions)
}

// Len returns the item count of one category.
func (f FactSet) Len(c Category) int {
	switch c {
	case CategoryPreferences:
		return len(f.Preferences)
	case CategoryProjects:
		return len(f.Projects)
	case CategoryDates:
		return len(f.Dates)
	case CategoryBeliefs:
		return len(f.Beliefs)
	case CategoryDecisions:
		return len(f.Decisions)
	}
	return 0
}

type factSetJSON struct {
	Preferences []string    `json:"preferences"`
	Projects    []Project   `json:"projects"`
	Dates       []DateEvent `json:"dates"`
	Beliefs     []string    `json:"beliefs"`
	Decisions   []Decision  `json:"decisions"`
	TotalCount  int         `json:"total_count"`
}

// MarshalJSON emits every category (empty ones as []) and the derived total_count.
func (f FactSet) MarshalJSON() ([]byte, error) {
	n := f.Normalize()
	return json.Marshal(factSetJSON{
		Preferences: n.Preferences,
		Projects:    n.Projects,
		Dates:       n.Dates,
		Beliefs:     n.Beliefs,
		Decisions:   n.Decisions,
		TotalCount:  n.TotalCount(),
	})
}

// EstimateTokens sizes the set the way the reducer budgets it: indented JSON bytes / 4.
func (f FactSet) EstimateTokens() int {
	return len(f.indentedJSON()) / 4
}

func (f FactSet) indentedJSON() []byte {
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		// FactSet holds only strings; marshaling cannot fail.
		return nil
	}
	return b
}
