package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/validation-cli/internal/orchestrator"
)

var printer = message.NewPrinter(language.English)

// money formats a dollar amount with thousands separators.
func money(v float64) string { return printer.Sprintf("$%.2f", v) }

// count formats an integer with thousands separators.
func count(n int64) string { return printer.Sprintf("%d", n) }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints res as JSON when asJSON is set and as a summary otherwise.
func emit(res *orchestrator.Result, asJSON bool) error {
	if asJSON {
		return printJSON(res)
	}
	formatResult(os.Stdout, res)
	return nil
}

// formatResult writes a short human summary of where a run stopped.
func formatResult(w io.Writer, res *orchestrator.Result) {
	s := res.State
	_, _ = fmt.Fprintf(w, "Run:       %s (%s)\n", s.RunID, s.ProjectName)
	_, _ = fmt.Fprintf(w, "Phase:     %s\n", s.Phase)
	switch {
	case s.Terminal:
		_, _ = fmt.Fprintln(w, "Status:    finished")
	case res.Suspended:
		_, _ = fmt.Fprintf(w, "Status:    waiting on approval %s\n", res.PendingApprovalID)
	default:
		_, _ = fmt.Fprintf(w, "Status:    next step %s\n", s.NextStep)
	}
	_, _ = fmt.Fprintf(w, "Budget:    %s of %s spent (%s)\n", money(s.Budget.Spent), money(s.Budget.Ceiling), s.Budget.Mode)
	if exp := s.LatestExperiment(); exp != nil {
		m := exp.Aggregate
		_, _ = fmt.Fprintf(w, "Signals:   %s impressions, %s clicks, %s signups\n",
			count(m.Impressions), count(m.Clicks), count(m.Signups))
	}
	_, _ = fmt.Fprintf(w, "Version:   %d (%d steps this call)\n", s.Version, res.Steps)
	if res.DriveError != "" {
		_, _ = fmt.Fprintf(w, "Error:     %s (run `validator advance %s` to retry)\n", res.DriveError, s.RunID)
	}
}
