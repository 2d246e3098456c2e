package facts

import "strings"

// Consolidate merges sets in order, keeping the first occurrence of each fact. Preferences and
// beliefs dedupe on their exact text; projects, dates and decisions on their name, event or
// decision field, case-insensitively. Empty items are dropped. Consolidating an already
// consolidated set returns it unchanged.
func Consolidate(sets ...FactSet) FactSet {
	out := Empty()
	seen := make(map[Category]map[string]struct{}, len(Categories))
	for _, c := range Categories {
		seen[c] = make(map[string]struct{})
	}

	for _, s := range sets {
		out.Preferences = mergeUnique(out.Preferences, s.Preferences, seen[CategoryPreferences], exactKey)
		out.Projects = mergeUnique(out.Projects, s.Projects, seen[CategoryProjects], projectKey)
		out.Dates = mergeUnique(out.Dates, s.Dates, seen[CategoryDates], dateKey)
		out.Beliefs = mergeUnique(out.Beliefs, s.Beliefs, seen[CategoryBeliefs], exactKey)
		out.Decisions = mergeUnique(out.Decisions, s.Decisions, seen[CategoryDecisions], decisionKey)
	}
	return out
}

// mergeUnique appends the items of src whose key is not yet in seen. key reports false for items
// that carry nothing worth keeping.
func mergeUnique[T any](dst, src []T, seen map[string]struct{}, key func(T) (string, bool)) []T {
	for _, item := range src {
		k, ok := key(item)
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, item)
	}
	return dst
}

func exactKey(s string) (string, bool) {
	return s, strings.TrimSpace(s) != ""
}

func projectKey(p Project) (string, bool) {
	return strings.ToLower(p.Name), p != Project{}
}

func dateKey(d DateEvent) (string, bool) {
	return strings.ToLower(d.Event), d != DateEvent{}
}

func decisionKey(d Decision) (string, bool) {
	return strings.ToLower(d.Decision), d != Decision{}
}
