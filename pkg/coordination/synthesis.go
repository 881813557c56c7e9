package coordination

import (
	"fmt"
	"strings"
)

// Concatenate joins the succeeded outputs in plan order. It is the
// fallback synthesis when no decider answer is available.
func Concatenate(exec *Execution) string {
	var parts []string
	for _, r := range exec.Snapshot() {
		if r.Status == StepSucceeded {
			parts = append(parts, r.Output)
		}
	}
	return strings.Join(parts, "\n\n")
}

// PartialAnswer summarizes an execution that did not fully succeed:
// succeeded outputs first, then the sub-tasks that failed or never
// finished.
func PartialAnswer(exec *Execution) string {
	succeeded, total := exec.Counts()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Completed %d of %d sub-tasks:\n\n", succeeded, total))

	var unfinished []string
	for _, r := range exec.Snapshot() {
		st, _ := exec.Plan.Get(r.SubTaskID)
		switch r.Status {
		case StepSucceeded:
			sb.WriteString(fmt.Sprintf("+ %s: %s\n", st.Description, r.Output))
		case StepFailed, StepSkipped:
			unfinished = append(unfinished, fmt.Sprintf("- %s: %s", st.Description, r.Error))
		case StepDispatched:
			unfinished = append(unfinished, fmt.Sprintf("- %s: no result before the deadline", st.Description))
		default:
			unfinished = append(unfinished, fmt.Sprintf("- %s: not started", st.Description))
		}
	}

	if len(unfinished) > 0 {
		sb.WriteString(fmt.Sprintf("\nHowever, %d sub-tasks did not complete:\n", len(unfinished)))
		sb.WriteString(strings.Join(unfinished, "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FailureContext describes failed sub-tasks for a replanning request
func FailureContext(exec *Execution) []string {
	var failures []string
	for _, r := range exec.Snapshot() {
		if r.Status == StepFailed {
			st, _ := exec.Plan.Get(r.SubTaskID)
			failures = append(failures, fmt.Sprintf("sub-task %s (%s) failed: %s", r.SubTaskID, st.Role, r.Error))
		}
	}
	return failures
}

const failureMarker = "\n\nPrevious attempt failed:\n"

// WithFailureContext appends failure descriptions to goal for a
// replanning request.
func WithFailureContext(goal string, failures []string) string {
	if len(failures) == 0 {
		return goal
	}
	return StripFailureContext(goal) + failureMarker + "- " + strings.Join(failures, "\n- ")
}

// StripFailureContext returns goal without any appended failure context
func StripFailureContext(goal string) string {
	if i := strings.Index(goal, failureMarker); i >= 0 {
		return goal[:i]
	}
	return goal
}
