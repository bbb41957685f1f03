package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Metrics holds raw and derived experiment counters.
type Metrics struct {
	Impressions    int64   `json:"impressions" yaml:"impressions"`
	Clicks         int64   `json:"clicks" yaml:"clicks"`
	Signups        int64   `json:"signups" yaml:"signups"`
	Spend          float64 `json:"spend" yaml:"spend"`
	CTR            float64 `json:"ctr" yaml:"ctr"`
	ConversionRate float64 `json:"conversion_rate" yaml:"conversion_rate"`
}

// Derive recomputes CTR and conversion rate from the raw counters. Zero
// denominators leave the rate at zero.
func (m Metrics) Derive() Metrics {
	m.CTR = 0
	m.ConversionRate = 0
	if m.Impressions > 0 {
		m.CTR = float64(m.Clicks) / float64(m.Impressions)
	}
	if m.Clicks > 0 {
		m.ConversionRate = float64(m.Signups) / float64(m.Clicks)
	}
	return m
}

// Add sums raw counters. Derived rates are not carried over.
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		Impressions: m.Impressions + o.Impressions,
		Clicks:      m.Clicks + o.Clicks,
		Signups:     m.Signups + o.Signups,
		Spend:       m.Spend + o.Spend,
	}
}

// ChannelResult is the metrics returned by one distribution channel.
type ChannelResult struct {
	Channel string  `json:"channel" yaml:"channel"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// Validate checks the declared schema of a channel result.
func (c ChannelResult) Validate() error {
	if c.Channel == "" {
		return eris.New("channel result: channel is required")
	}
	if c.Metrics.Spend < 0 {
		return eris.Errorf("channel result %s: negative spend", c.Channel)
	}
	return nil
}

// ExperimentConfig records the routing and budget actually used for a run.
type ExperimentConfig struct {
	Channels         []string          `json:"channels"`
	BudgetPerChannel float64           `json:"budget_per_channel"`
	Thresholds       map[string]string `json:"thresholds,omitempty"`
}

// ArtifactKind identifies what an approval-gated output is.
type ArtifactKind string

const (
	ArtifactAdVariant   ArtifactKind = "ad_variant"
	ArtifactLandingPage ArtifactKind = "landing_page"
)

// ArtifactStatus is the review state of an artifact.
type ArtifactStatus string

const (
	ArtifactDraft         ArtifactStatus = "draft"
	ArtifactPendingReview ArtifactStatus = "pending_review"
	ArtifactApproved      ArtifactStatus = "approved"
	ArtifactRejected      ArtifactStatus = "rejected"
)

// Artifact is a creative or landing page variant produced by a capability team.
type Artifact struct {
	ID      string            `json:"id" yaml:"id"`
	Kind    ArtifactKind      `json:"kind" yaml:"kind"`
	Content map[string]string `json:"content,omitempty" yaml:"content"`
	Status  ArtifactStatus    `json:"status" yaml:"status"`
	Comment string            `json:"comment,omitempty" yaml:"comment"`
}

// EnsureArtifactTransition validates an artifact review transition.
func EnsureArtifactTransition(from, to ArtifactStatus) error {
	switch from {
	case ArtifactDraft:
		if to == ArtifactPendingReview || to == ArtifactApproved || to == ArtifactRejected {
			return nil
		}
	case ArtifactPendingReview:
		if to == ArtifactApproved || to == ArtifactRejected {
			return nil
		}
	}
	return eris.Errorf("invalid artifact transition %s -> %s", from, to)
}

// ExperimentRun is one desirability test cycle.
type ExperimentRun struct {
	ID        string             `json:"id"`
	Iteration int                `json:"iteration"`
	Downgrade bool               `json:"downgrade"`
	Artifacts []Artifact         `json:"artifacts,omitempty"`
	Config    ExperimentConfig   `json:"config"`
	Channels  []ChannelResult    `json:"channels,omitempty"`
	Aggregate Metrics            `json:"aggregate"`
	Signal    DesirabilitySignal `json:"signal,omitempty"`
	Finalized bool               `json:"finalized"`
	CreatedAt time.Time          `json:"created_at"`
}

// SetArtifactStatus updates one artifact's review status. It is the only
// mutation allowed on a finalized run.
func (r *ExperimentRun) SetArtifactStatus(artifactID string, status ArtifactStatus, comment string) error {
	for i := range r.Artifacts {
		if r.Artifacts[i].ID != artifactID {
			continue
		}
		if err := EnsureArtifactTransition(r.Artifacts[i].Status, status); err != nil {
			return eris.Wrapf(err, "artifact %s", artifactID)
		}
		r.Artifacts[i].Status = status
		if comment != "" {
			r.Artifacts[i].Comment = comment
		}
		return nil
	}
	return eris.Errorf("artifact %s not found in experiment %s", artifactID, r.ID)
}

// ComponentStatus is the buildability of one component of the offer.
type ComponentStatus string

const (
	ComponentBuildable   ComponentStatus = "buildable"
	ComponentConstrained ComponentStatus = "constrained"
	ComponentImpossible  ComponentStatus = "impossible"
)

// FeasibilityComponent is one line item of a feasibility assessment.
type FeasibilityComponent struct {
	Name   string          `json:"name" yaml:"name"`
	Status ComponentStatus `json:"status" yaml:"status"`
	Note   string          `json:"note,omitempty" yaml:"note"`
}

// FeasibilityAssessment is the structured result of the feasibility capability.
type FeasibilityAssessment struct {
	Components    []FeasibilityComponent `json:"components" yaml:"components"`
	EstimatedCost float64                `json:"estimated_cost,omitempty" yaml:"estimated_cost"`
	Notes         string                 `json:"notes,omitempty" yaml:"notes"`
}

// Validate checks the declared schema of an assessment.
func (a FeasibilityAssessment) Validate() error {
	for _, c := range a.Components {
		switch c.Status {
		case ComponentBuildable, ComponentConstrained, ComponentImpossible:
		default:
			return eris.Errorf("feasibility: component %q has invalid status %q", c.Name, c.Status)
		}
	}
	return nil
}

// FinancialSnapshot is one run of the financial model.
type FinancialSnapshot struct {
	ID               string    `json:"id" yaml:"id"`
	CAC              float64   `json:"cac" yaml:"cac"`
	LTV              float64   `json:"ltv" yaml:"ltv"`
	AddressableSpend float64   `json:"addressable_spend" yaml:"addressable_spend"`
	GrossMargin      float64   `json:"gross_margin,omitempty" yaml:"gross_margin"`
	Price            float64   `json:"price,omitempty" yaml:"price"`
	CreatedAt        time.Time `json:"created_at" yaml:"-"`
}

// Validate checks the declared schema of a snapshot.
func (f FinancialSnapshot) Validate() error {
	if f.AddressableSpend < 0 {
		return eris.New("financials: addressable spend must not be negative")
	}
	return nil
}

// LTVToCAC returns the lifetime-value to acquisition-cost ratio, or 0 when
// CAC is not positive.
func (f FinancialSnapshot) LTVToCAC() float64 {
	if f.CAC <= 0 {
		return 0
	}
	return f.LTV / f.CAC
}
