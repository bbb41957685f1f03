package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/store"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and escalate approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		run, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")

		reqs, err := st.ListApprovals(ctx, store.ApprovalFilter{
			RunID:  run,
			Status: model.RequestStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "approvals list")
		}
		if len(reqs) == 0 {
			fmt.Fprintln(os.Stderr, "No approvals found.")
			return nil
		}
		formatApprovals(os.Stdout, reqs, time.Now().UTC())
		return nil
	},
}

var approvalsEscalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Escalate every pending approval whose deadline has passed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Orchestrator.Escalate(ctx, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "approvals escalate")
		}
		zap.L().Info("escalation sweep complete", zap.Int("escalated", n))
		fmt.Printf("Escalated %d approval(s).\n", n)
		return nil
	},
}

func init() {
	approvalsListCmd.Flags().String("status", "pending", "filter by status (pending, resolved, cancelled; empty for all)")
	approvalsListCmd.Flags().String("run", "", "filter by run ID")
	approvalsListCmd.Flags().Int("limit", 100, "max number of approvals to display")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsEscalateCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func formatApprovals(out io.Writer, reqs []model.ApprovalRequest, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tTYPE\tMODE\tSTATUS\tLEVEL\tAGE\tOPTIONS")
	for _, r := range reqs {
		mode := "parallel"
		if r.Blocking {
			mode = "blocking"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%v\n",
			r.ID, shortID(r.RunID), r.Type, mode, r.Status, r.EscalationLevel,
			now.Sub(r.CreatedAt).Truncate(time.Minute), r.Options)
	}
	_ = w.Flush()
}
