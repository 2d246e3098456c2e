package facts

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
)

var errNoFactObject = errors.New("parse facts: no JSON object in reply")

// ParseFactSet decodes a model reply into a FactSet, tolerating code fences, surrounding prose
// and truncated JSON. Each category and each item is read on its own: an item of the wrong
// shape is dropped and the rest of the reply is kept. Scalar record fields are read as text, so
// "date": 2024 becomes "2024". Missing categories are backfilled as empty.
func ParseFactSet(text string) (FactSet, error) {
	s, ok := fileutils.RecoverJSON(text)
	if !ok {
		return FactSet{}, errNoFactObject
	}
	root := gjson.Parse(s)
	if !root.IsObject() {
		return FactSet{}, errNoFactObject
	}

	fs := FactSet{
		Preferences: parseItems(root.Get(string(CategoryPreferences)), parseText),
		Projects:    parseItems(root.Get(string(CategoryProjects)), parseProject),
		Dates:       parseItems(root.Get(string(CategoryDates)), parseDate),
		Beliefs:     parseItems(root.Get(string(CategoryBeliefs)), parseText),
		Decisions:   parseItems(root.Get(string(CategoryDecisions)), parseDecision),
	}
	return fs.Normalize(), nil
}

// parseItems applies parse to every element of an array value. A lone scalar or object is
// treated as a one-element list.
func parseItems[T any](v gjson.Result, parse func(gjson.Result) (T, bool)) []T {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	items := []gjson.Result{v}
	if v.IsArray() {
		items = v.Array()
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		if item, ok := parse(it); ok {
			out = append(out, item)
		}
	}
	return out
}

func parseText(r gjson.Result) (string, bool) {
	if r.Type != gjson.String && r.Type != gjson.Number {
		return "", false
	}
	s := strings.TrimSpace(r.String())
	return s, s != ""
}

func parseProject(r gjson.Result) (Project, bool) {
	p := Project{Name: field(r, "name"), Description: field(r, "description"), Details: field(r, "details")}
	return p, p.Name != ""
}

func parseDate(r gjson.Result) (DateEvent, bool) {
	d := DateEvent{Event: field(r, "event"), Date: field(r, "date")}
	return d, d.Event != ""
}

func parseDecision(r gjson.Result) (Decision, bool) {
	d := Decision{Decision: field(r, "decision"), Context: field(r, "context")}
	return d, d.Decision != ""
}

// field reads key from a record. A bare string fills only the record's key field.
func field(r gjson.Result, key string) string {
	switch {
	case r.IsObject():
		v := r.Get(key)
		if v.Type == gjson.String || v.Type == gjson.Number || v.Type == gjson.True || v.Type == gjson.False {
			return strings.TrimSpace(v.String())
		}
		return ""
	case r.Type == gjson.String && isKeyField(key):
		return strings.TrimSpace(r.String())
	}
	return ""
}

func isKeyField(key string) bool {
	return key == "name" || key == "event" || key == "decision"
}
