package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/validation-cli/internal/orchestrator"
	"github.com/sells-group/validation-cli/internal/router"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the step graph or the routing table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("format")
		table, _ := cmd.Flags().GetBool("table")

		var v any = orchestrator.Graph()
		if table {
			v = router.Table()
		}
		return writeGraph(os.Stdout, v, format)
	},
}

func writeGraph(w io.Writer, v any, format string) error {
	switch format {
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "graph: encode yaml")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return eris.Errorf("graph: unknown format %q", format)
	}
}

func init() {
	graphCmd.Flags().String("format", "yaml", "output format: yaml or json")
	graphCmd.Flags().Bool("table", false, "print the gate routing table instead of the edge list")
	rootCmd.AddCommand(graphCmd)
}
