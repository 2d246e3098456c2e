package facts

import (
	"fmt"
	"strings"
)

// MemoryDocument is the rendered markdown memory.
type MemoryDocument string

// Section headings every memory document carries, in order.
var MemoryHeadings = []string{
	"## Preferences",
	"## Projects",
	"## Important Dates",
	"## Beliefs & Values",
	"## Decisions & Context",
}

const (
	fallbackMarker     = "[FALLBACK]"
	noDataLine         = "No data yet."
	minMemoryChars     = 200
	minSubstantiveLine = 3
)

var placeholderSignals = []string{
	"Memory generation failed",
	noDataLine,
	"Facts extracted but not yet organized",
}

// IsPlaceholderMemory reports whether md looks like fallback or filler text rather than a real
// memory: two or more placeholder phrases, under 200 characters after trimming, or fewer than
// three substantive lines. A substantive line is a non-heading line over 20 characters that is
// not a list item, or a "- " bullet over 10 characters.
func IsPlaceholderMemory(md string) bool {
	signals := 0
	for _, s := range placeholderSignals {
		if strings.Contains(md, s) {
			signals++
		}
	}
	if signals >= 2 {
		return true
	}
	if len(strings.TrimSpace(md)) < minMemoryChars {
		return true
	}

	substantive := 0
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "- "):
			if len(line) > 10 {
				substantive++
			}
		case !strings.HasPrefix(line, "-") && len(line) > 20:
			substantive++
		}
	}
	return substantive < minSubstantiveLine
}

// FallbackMemory is the deterministic document used when synthesis never produced a real one.
func FallbackMemory(fs FactSet) MemoryDocument {
	var b strings.Builder
	b.WriteString(fallbackMarker + " # MEMORY\n\n")
	b.WriteString("Memory generation failed. Facts extracted but not yet organized.\n\n")
	fmt.Fprintf(&b, "Raw fact count: %d\n", fs.TotalCount())
	for _, h := range MemoryHeadings {
		b.WriteString("\n" + h + "\n" + noDataLine + "\n")
	}
	return MemoryDocument(b.String())
}

// IsFallback reports whether d was produced by FallbackMemory.
func (d MemoryDocument) IsFallback() bool {
	return strings.HasPrefix(string(d), fallbackMarker)
}
