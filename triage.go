package poll

import "slices"

// Triage returns a copy of tasks ordered by ascending priority rank. Tasks of
// equal priority keep their relative order. The input slice is not modified.
func Triage(tasks []Task) []Task {
	sorted := make([]Task, len(tasks))
	copy(sorted, tasks)
	slices.SortStableFunc(sorted, func(a, b Task) int {
		return a.Priority.Rank() - b.Priority.Rank()
	})
	return sorted
}
