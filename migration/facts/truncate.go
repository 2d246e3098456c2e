package facts

// truncateToBudget cuts every non-empty category by the same ratio so the indented JSON fits
// maxTokens*4 bytes, always keeping at least one item per non-empty category. If rounding leaves
// the set over budget, the largest category keeps shedding its tail until the set fits or every
// category is down to one item.
func truncateToBudget(fs FactSet, maxTokens int) FactSet {
	target := maxTokens * 4
	current := len(fs.indentedJSON())
	if current <= target {
		return fs
	}

	// The empty skeleton does not shrink with the items, so scale only the item bytes.
	overhead := len(Empty().indentedJSON())
	ratio := 0.0
	if target > overhead && current > overhead {
		ratio = float64(target-overhead) / float64(current-overhead)
	}
	ratio = min(max(ratio, 0), 1)

	for _, c := range Categories {
		fs = fs.keep(c, keepCount(fs.Len(c), ratio))
	}

	for fs.EstimateTokens() > maxTokens {
		c, n := largestCategory(fs)
		if n <= 1 {
			break
		}
		drop := max(1, n/10)
		fs = fs.keep(c, n-drop)
	}
	return fs
}

func keepCount(n int, ratio float64) int {
	if n == 0 {
		return 0
	}
	return max(1, int(float64(n)*ratio))
}

func largestCategory(fs FactSet) (Category, int) {
	var (
		best Category
		n    int
	)
	for _, c := range Categories {
		if l := fs.Len(c); l > n {
			best, n = c, l
		}
	}
	return best, n
}

// keep returns fs with category c cut to its first n items.
func (f FactSet) keep(c Category, n int) FactSet {
	switch c {
	case CategoryPreferences:
		f.Preferences = f.Preferences[:min(n, len(f.Preferences))]
	case CategoryProjects:
		f.Projects = f.Projects[:min(n, len(f.Projects))]
	case CategoryDates:
		f.Dates = f.Dates[:min(n, len(f.Dates))]
	case CategoryBeliefs:
		f.Beliefs = f.Beliefs[:min(n, len(f.Beliefs))]
	case CategoryDecisions:
		f.Decisions = f.Decisions[:min(n, len(f.Decisions))]
	}
	return f
}
