package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Explain, verify and export a run's decision log",
}

var auditExplainCmd = &cobra.Command{
	Use:   "explain <run-id>",
	Short: "Explain why a run is where it is",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, exps, err := audit.ExplainRun(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "audit explain")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(map[string]any{"state": state, "explanations": exps})
		}
		fmt.Print(audit.Narrative(state, exps))
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <run-id>",
	Short: "Check a run's log is complete and replays to its stored state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := audit.ReplayRun(ctx, st, args[0], audit.ReplayOptions{})
		if err != nil {
			return eris.Wrap(err, "audit verify")
		}
		if err := audit.Verify(rep.Entries); err != nil {
			return eris.Wrap(err, "audit verify")
		}
		current, err := st.GetState(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audit verify")
		}
		if current.Version != rep.State.Version {
			return eris.Errorf("audit verify: stored state is at version %d but the log replays to %d",
				current.Version, rep.State.Version)
		}
		fmt.Printf("OK: %s entries, replays to version %d (%s)\n",
			count(int64(len(rep.Entries))), rep.State.Version, rep.State.Phase)
		return nil
	},
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Rebuild a run's state from its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		until, _ := cmd.Flags().GetInt64("version")
		rep, err := audit.ReplayRun(ctx, st, args[0], audit.ReplayOptions{UntilVersion: until})
		if err != nil {
			return eris.Wrap(err, "audit replay")
		}
		return printJSON(rep.State)
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's decision log as an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := audit.ReplayRun(ctx, st, args[0], audit.ReplayOptions{})
		if err != nil {
			return eris.Wrap(err, "audit export")
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = args[0] + ".xlsx"
		}
		if err := audit.ExportXLSX(out, args[0], rep.Entries); err != nil {
			return err
		}
		zap.L().Info("audit exported", zap.String("run_id", args[0]), zap.String("file", out), zap.Int("entries", len(rep.Entries)))
		fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
		return nil
	},
}

func init() {
	auditExplainCmd.Flags().Bool("json", false, "print explanations as JSON")
	auditReplayCmd.Flags().Int64("version", 0, "stop at this version (default: latest)")
	auditExportCmd.Flags().String("out", "", "output file (default: <run-id>.xlsx)")

	auditCmd.AddCommand(auditExplainCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}
