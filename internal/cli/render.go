package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/syntor/taskmesh/pkg/orchestrator"
)

const traceTimeFormat = "15:04:05.000"

// RenderResult prints res as a styled summary followed by its trace
func RenderResult(w io.Writer, res *orchestrator.RunResult, s Styles) {
	fmt.Fprintf(w, "%s %s\n", s.Header.Render("Run"), s.Muted.Render(res.RunID))
	fmt.Fprintf(w, "%s %s  %s %s  %s %s\n",
		s.Label.Render("mode:"), res.Mode,
		s.Label.Render("status:"), statusStyle(res.Status, s).Render(string(res.Status)),
		s.Label.Render("took:"), res.Duration.Round(time.Millisecond))
	if res.Err != nil {
		fmt.Fprintf(w, "%s %s\n", s.Label.Render("error:"), s.Error.Render(res.Err.Error()))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.Header.Render("Result"))
	fmt.Fprintln(w, s.Result.Render(formatResult(res.Result)))

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.Header.Render(fmt.Sprintf("Trace (%d entries)", len(res.Trace))))
	for _, e := range res.Trace {
		fmt.Fprintf(w, "%s  %s%s%s\n",
			s.Muted.Render(e.Timestamp.Format(traceTimeFormat)),
			s.Agent.Render(e.Agent),
			s.Action.Render(e.Action),
			e.Detail)
	}
}

// WriteJSON prints res as indented JSON
func WriteJSON(w io.Writer, res *orchestrator.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func statusStyle(status orchestrator.Status, s Styles) lipgloss.Style {
	switch status {
	case orchestrator.StatusComplete:
		return s.Complete
	case orchestrator.StatusPartial:
		return s.Partial
	default:
		return s.Failed
	}
}

func formatResult(result interface{}) string {
	switch r := result.(type) {
	case nil:
		return "(none)"
	case string:
		return r
	case orchestrator.PeerOutcome:
		var b strings.Builder
		for _, name := range r.Responded {
			fmt.Fprintf(&b, "%s: %s\n", name, r.Contributions[name])
		}
		for _, name := range r.Missing {
			if reason, ok := r.Failures[name]; ok {
				fmt.Fprintf(&b, "%s: no contribution (%s)\n", name, reason)
			} else {
				fmt.Fprintf(&b, "%s: no contribution\n", name)
			}
		}
		return strings.TrimRight(b.String(), "\n")
	case orchestrator.BlackboardOutcome:
		keys := make([]string, 0, len(r.Entries))
		for k := range r.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %v\n", k, r.Entries[k].Value)
		}
		fmt.Fprintf(&b, "rounds: %d, converged: %t", r.Rounds, r.Converged)
		return b.String()
	default:
		return fmt.Sprint(r)
	}
}
