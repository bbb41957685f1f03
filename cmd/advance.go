package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var advanceJSON bool

var advanceCmd = &cobra.Command{
	Use:   "advance <run-id>",
	Short: "Drive a run on from its persisted state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Advance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "advance run")
		}
		return emit(res, advanceJSON)
	},
}

func init() {
	advanceCmd.Flags().BoolVar(&advanceJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(advanceCmd)
}
