package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	cancelApproval string
	cancelActor    string
	cancelReason   string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending approval and kill its run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Cancel(ctx, args[0], cancelApproval, cancelActor, cancelReason)
		if err != nil {
			return eris.Wrap(err, "cancel")
		}
		return emit(res, false)
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelApproval, "approval", "", "approval ID (default: the run's pending approval)")
	cancelCmd.Flags().StringVar(&cancelActor, "actor", "", "who is cancelling (required)")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "why the run is being stopped")
	_ = cancelCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(cancelCmd)
}
