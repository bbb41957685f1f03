package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/orchestrator"
)

var (
	runProject    string
	runHypothesis string
	runID         string
	runCeiling    float64
	runMode       string
	runActor      string
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a validation run for a hypothesis",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Start(ctx, orchestrator.StartInput{
			RunID:       runID,
			ProjectName: runProject,
			Hypothesis:  runHypothesis,
			Ceiling:     runCeiling,
			Mode:        model.BudgetMode(runMode),
			Actor:       runActor,
		})
		if err != nil {
			return eris.Wrap(err, "start run")
		}

		zap.L().Info("run stopped",
			zap.String("run_id", res.State.RunID),
			zap.String("phase", string(res.State.Phase)),
			zap.Bool("suspended", res.Suspended),
			zap.Int("steps", res.Steps),
		)
		return emit(res, runJSON)
	},
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "project name (required)")
	runCmd.Flags().StringVar(&runHypothesis, "hypothesis", "", "hypothesis under test")
	runCmd.Flags().StringVar(&runID, "id", "", "run ID (default: generated)")
	runCmd.Flags().Float64Var(&runCeiling, "ceiling", 0, "budget ceiling (default from config)")
	runCmd.Flags().StringVar(&runMode, "budget-mode", "", "budget mode: hard or soft (default from config)")
	runCmd.Flags().StringVar(&runActor, "actor", "", "who started the run")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	_ = runCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(runCmd)
}
