package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	vetoActor  string
	vetoReason string
)

var vetoCmd = &cobra.Command{
	Use:   "veto <run-id>",
	Short: "Raise a governance veto against a run's next step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Veto(ctx, args[0], vetoActor, vetoReason)
		if err != nil {
			return eris.Wrap(err, "veto")
		}
		return emit(res, false)
	},
}

func init() {
	vetoCmd.Flags().StringVar(&vetoActor, "actor", "", "who is vetoing (required)")
	vetoCmd.Flags().StringVar(&vetoReason, "reason", "", "what the veto is about")
	_ = vetoCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(vetoCmd)
}
