package convert

import "strings"

// ChangedLines counts the lines of after that differ from the same
// position of before, plus any length difference. Used for preview
// summaries and audit records, not for exact diffing.
func ChangedLines(before, after string) int {
	a := strings.Split(before, "\n")
	b := strings.Split(after, "\n")

	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	changed := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			changed++
		}
	}
	if len(a) > n {
		changed += len(a) - n
	}
	if len(b) > n {
		changed += len(b) - n
	}
	return changed
}
