package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect validation runs",
	Long:  "Commands for listing, viewing, and summarizing validation runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List validation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		phase, _ := cmd.Flags().GetString("phase")
		active, _ := cmd.Flags().GetBool("active")
		suspended, _ := cmd.Flags().GetBool("suspended")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Phase:     model.Phase(phase),
			Active:    active,
			Suspended: suspended,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the current state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		version, _ := cmd.Flags().GetInt64("version")
		var s *model.ValidationState
		if version > 0 {
			s, err = st.GetStateAt(ctx, args[0], version)
		} else {
			s, err = st.GetState(ctx, args[0])
		}
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(s)
	},
}

// -- runs history --

var runsHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Print a run's decision log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.ListDecisions(ctx, args[0], after, limit)
		if err != nil {
			return eris.Wrap(err, "runs history")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No decisions recorded.")
			return nil
		}
		formatHistory(os.Stdout, entries)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run counts by phase",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("phase", "", "filter by phase (desirability, feasibility, viability, validated, killed)")
	runsListCmd.Flags().Bool("active", false, "only runs that have not finished")
	runsListCmd.Flags().Bool("suspended", false, "only runs waiting on a blocking approval")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Int64("version", 0, "show the state as of this version")

	runsHistoryCmd.Flags().Int64("after", 0, "only entries after this sequence number")
	runsHistoryCmd.Flags().Int("limit", 500, "max number of entries")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsHistoryCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate counts computed from a set of runs.
type runStats struct {
	Total     int64
	ByPhase   map[model.Phase]int64
	Suspended int64
}

func computeRunStats(runs []store.RunSummary) runStats {
	s := runStats{Total: int64(len(runs)), ByPhase: map[model.Phase]int64{}}
	for _, r := range runs {
		s.ByPhase[r.Phase]++
		if !r.Terminal && r.Approval == model.ApprovalPending {
			s.Suspended++
		}
	}
	return s
}

func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%s\n", count(s.Total))
	for _, p := range model.AllPhases() {
		if n := s.ByPhase[p]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%s\n", p, count(n))
		}
	}
	_, _ = fmt.Fprintf(w, "Waiting on approval:\t%s\n", count(s.Suspended))
	_ = w.Flush()
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []store.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROJECT\tPHASE\tNEXT\tAPPROVAL\tVERSION\tUPDATED")
	for _, r := range runs {
		next := string(r.NextStep)
		if r.Terminal {
			next = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(r.RunID), r.ProjectName, r.Phase, next, r.Approval, r.Version,
			r.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func formatHistory(out io.Writer, entries []model.DecisionLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tVERSION\tTIME\tACTOR\tTYPE\tSTEP\tOUTCOME")
	for _, e := range entries {
		actor := string(e.Actor)
		if e.ActorID != "" {
			actor += ":" + e.ActorID
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.StateVersion, e.Timestamp.Format("2006-01-02 15:04:05"), actor, e.Type, e.Step, e.Outcome)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
