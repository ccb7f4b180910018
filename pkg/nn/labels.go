package nn

import "strings"

// NormalizeLabel is the canonical form used to compare rule labels and detection labels.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// LabelsMatch compares two labels case-insensitively, ignoring surrounding whitespace
func LabelsMatch(a, b string) bool {
	return NormalizeLabel(a) == NormalizeLabel(b)
}

// LabelAt returns labels[idx], or "" if idx is out of range.
func LabelAt(labels []string, idx int) string {
	if idx < 0 || idx >= len(labels) {
		return ""
	}
	return labels[idx]
}
