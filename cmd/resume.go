package main

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/model"
)

var (
	resumeDecision string
	resumeChoice   string
	resumeResolver string
	resumeComment  string
	resumeSet      []string
	resumeJSON     bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <approval-id>",
	Short: "Resolve a pending approval and continue its run",
	Long: `Resolve a pending approval request. Decisions are approve, reject or modify.
Strategic pivots and escalations take a --choice; modifications are passed as
repeated --set key=value flags, e.g. --set ceiling=2500 or
--set artifacts.ad-1=rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mods, err := parseModifications(resumeSet)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Resume(ctx, approval.ResumeInput{
			RequestID:     args[0],
			Decision:      model.Decision(resumeDecision),
			Choice:        resumeChoice,
			Resolver:      resumeResolver,
			Comment:       resumeComment,
			Modifications: mods,
		})
		if err != nil {
			return eris.Wrap(err, "resume")
		}
		return emit(res, resumeJSON)
	},
}

// parseModifications turns key=value pairs into a modification map. A dotted
// key nests one level ("artifacts.ad-1"). Numbers and booleans are typed;
// everything else stays a string.
func parseModifications(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	mods := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, eris.Errorf("invalid --set %q: want key=value", p)
		}
		val := typed(strings.TrimSpace(v))
		outer, inner, nested := strings.Cut(k, ".")
		if !nested {
			mods[k] = val
			continue
		}
		m, ok := mods[outer].(map[string]any)
		if !ok {
			m = map[string]any{}
			mods[outer] = m
		}
		m[inner] = val
	}
	return mods, nil
}

func typed(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDecision, "decision", "", "approve, reject or modify (required)")
	resumeCmd.Flags().StringVar(&resumeChoice, "choice", "", "option chosen, e.g. price_pivot, cost_pivot, kill, continue")
	resumeCmd.Flags().StringVar(&resumeResolver, "resolver", "", "who is deciding (required)")
	resumeCmd.Flags().StringVar(&resumeComment, "comment", "", "free-form comment for the audit log")
	resumeCmd.Flags().StringArrayVar(&resumeSet, "set", nil, "modification as key=value (repeatable)")
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "print the full result as JSON")
	_ = resumeCmd.MarkFlagRequired("decision")
	_ = resumeCmd.MarkFlagRequired("resolver")
	rootCmd.AddCommand(resumeCmd)
}
