package audit

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/validation-cli/internal/model"
)

var (
	decisionHeader   = []string{"seq", "timestamp", "actor", "actor_id", "type", "step", "outcome", "tags", "state_version", "inputs"}
	checkpointHeader = []string{"version", "phase", "next_step", "approval", "desirability", "feasibility", "viability", "last_pivot", "pending_pivot", "spent", "ceiling"}
)

// BuildWorkbook lays the log out as two sheets: every decision, and one row
// per committed state checkpoint.
func BuildWorkbook(runID string, entries []model.DecisionLogEntry) (*xlsx.File, error) {
	f := xlsx.NewFile()

	decisions, err := f.AddSheet("Decisions")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add decisions sheet")
	}
	addStringRow(decisions, decisionHeader)

	checkpoints, err := f.AddSheet("Checkpoints")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add checkpoints sheet")
	}
	addStringRow(checkpoints, checkpointHeader)

	for _, e := range entries {
		if e.RunID != "" && e.RunID != runID {
			continue
		}
		inputs := ""
		if len(e.Inputs) > 0 {
			b, err := json.Marshal(e.Inputs)
			if err != nil {
				return nil, eris.Wrapf(err, "xlsx: marshal inputs of %d", e.Seq)
			}
			inputs = string(b)
		}

		row := decisions.AddRow()
		row.AddCell().SetInt64(e.Seq)
		row.AddCell().SetString(e.Timestamp.UTC().Format(time.RFC3339))
		row.AddCell().SetString(string(e.Actor))
		row.AddCell().SetString(e.ActorID)
		row.AddCell().SetString(string(e.Type))
		row.AddCell().SetString(string(e.Step))
		row.AddCell().SetString(e.Outcome)
		row.AddCell().SetString(strings.Join(e.Tags, ","))
		row.AddCell().SetInt64(e.StateVersion)
		row.AddCell().SetString(inputs)

		if s := e.StateAfter; s != nil {
			cp := checkpoints.AddRow()
			cp.AddCell().SetInt64(s.Version)
			cp.AddCell().SetString(string(s.Phase))
			cp.AddCell().SetString(string(s.NextStep))
			cp.AddCell().SetString(string(s.Approval))
			cp.AddCell().SetString(string(s.Desirability))
			cp.AddCell().SetString(string(s.Feasibility))
			cp.AddCell().SetString(string(s.Viability))
			cp.AddCell().SetString(string(s.LastPivot))
			cp.AddCell().SetString(string(s.PendingPivot))
			cp.AddCell().SetFloat(s.Budget.Spent)
			cp.AddCell().SetFloat(s.Budget.Ceiling)
		}
	}
	return f, nil
}

// ExportXLSX writes the workbook for runID to path.
func ExportXLSX(path, runID string, entries []model.DecisionLogEntry) error {
	f, err := BuildWorkbook(runID, entries)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "xlsx: save %s", path)
}

// WriteXLSX streams the workbook for runID to w.
func WriteXLSX(w io.Writer, runID string, entries []model.DecisionLogEntry) error {
	f, err := BuildWorkbook(runID, entries)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "xlsx: write")
}

func addStringRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
