package domain

// Source is one monitored log file identified by a stable symbol
type Source struct {
	Symbol string   // Key used for offsets, stats and sink callbacks
	Path   string   // Absolute path to the log file
	Rules  []string // Filter rules in evaluation order
}

// MatchedLine is a line that satisfied one of the source's rules
type MatchedLine struct {
	Symbol  string
	Line    string
	Pattern string // Original text of the rule that matched
}

// Lines returns only the text of the matched lines, preserving order
func Lines(matches []MatchedLine) []string {
	lines := make([]string, len(matches))
	for i, m := range matches {
		lines[i] = m.Line
	}
	return lines
}
