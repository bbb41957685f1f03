package capability

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/model"
)

// IdeationOutput frames the problem and the first segment to test.
type IdeationOutput struct {
	SegmentRef   string           `json:"segment_ref"`
	ValuePropRef string           `json:"value_prop_ref"`
	ProblemFit   model.ProblemFit `json:"problem_fit"`
}

// Validate checks required fields.
func (o IdeationOutput) Validate() error {
	if o.SegmentRef == "" {
		return eris.New("segment_ref is required")
	}
	if o.ProblemFit != "" && !o.ProblemFit.Valid() {
		return eris.Errorf("invalid problem_fit %q", o.ProblemFit)
	}
	return nil
}

// CreativeOutput is the set of ad and landing page variants to test.
type CreativeOutput struct {
	Artifacts []model.Artifact `json:"artifacts"`
}

// Validate checks the artifacts are identified and typed.
func (o CreativeOutput) Validate() error {
	if len(o.Artifacts) == 0 {
		return eris.New("at least one artifact is required")
	}
	seen := make(map[string]bool, len(o.Artifacts))
	for _, a := range o.Artifacts {
		if a.ID == "" {
			return eris.New("artifact id is required")
		}
		if seen[a.ID] {
			return eris.Errorf("duplicate artifact id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Kind != model.ArtifactAdVariant && a.Kind != model.ArtifactLandingPage {
			return eris.Errorf("artifact %s has invalid kind %q", a.ID, a.Kind)
		}
	}
	return nil
}

// ExperimentOutput is one channel's metrics.
type ExperimentOutput struct {
	model.ChannelResult
}

// FeasibilityOutput is the structured buildability assessment.
type FeasibilityOutput struct {
	model.FeasibilityAssessment
}

// FinancialsOutput is one financial model snapshot.
type FinancialsOutput struct {
	model.FinancialSnapshot
}

// PivotOutput is the new segment or value proposition after a pivot.
type PivotOutput struct {
	SegmentRef   string `json:"segment_ref,omitempty"`
	ValuePropRef string `json:"value_prop_ref,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Validate requires at least one reference to change.
func (o PivotOutput) Validate() error {
	if o.SegmentRef == "" && o.ValuePropRef == "" {
		return eris.New("segment_ref or value_prop_ref is required")
	}
	return nil
}

// ScopeOutput is the reduced offer after a scope reduction.
type ScopeOutput struct {
	Removed      []string `json:"removed"`
	ValuePropRef string   `json:"value_prop_ref,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// Validate requires something to have been cut.
func (o ScopeOutput) Validate() error {
	if len(o.Removed) == 0 {
		return eris.New("removed must list at least one component")
	}
	return nil
}

// GovernanceFinding is one issue raised by the governance capability.
type GovernanceFinding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// GovernanceOutput is the result of a governance review.
type GovernanceOutput struct {
	Veto   bool                `json:"veto"`
	Reason string              `json:"reason,omitempty"`
	Issues []GovernanceFinding `json:"issues,omitempty"`
}

// Validate requires a reason for a veto.
func (o GovernanceOutput) Validate() error {
	if o.Veto && o.Reason == "" {
		return eris.New("veto requires a reason")
	}
	return nil
}

// schemas are example outputs used to describe each contract to model-backed
// providers.
var schemas = map[Name]string{
	Ideation:    `{"segment_ref": "string", "value_prop_ref": "string", "problem_fit": "unknown|no_fit|partial_fit|problem_solution_fit"}`,
	Creative:    `{"artifacts": [{"id": "string", "kind": "ad_variant|landing_page", "content": {"headline": "string", "body": "string"}, "status": "draft"}]}`,
	Experiment:  `{"channel": "string", "metrics": {"impressions": 0, "clicks": 0, "signups": 0, "spend": 0.0}}`,
	Feasibility: `{"components": [{"name": "string", "status": "buildable|constrained|impossible", "note": "string"}], "estimated_cost": 0.0, "notes": "string"}`,
	Financials:  `{"cac": 0.0, "ltv": 0.0, "addressable_spend": 0.0, "gross_margin": 0.0, "price": 0.0}`,
	Pivot:       `{"segment_ref": "string", "value_prop_ref": "string", "notes": "string"}`,
	Scope:       `{"removed": ["string"], "value_prop_ref": "string", "notes": "string"}`,
	Governance:  `{"veto": false, "reason": "string", "issues": [{"code": "string", "severity": "low|medium|high", "message": "string"}]}`,
}

// Schema returns the example output for capability c.
func Schema(c Name) (string, bool) {
	s, ok := schemas[c]
	return s, ok
}
