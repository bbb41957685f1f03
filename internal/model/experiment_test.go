package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDerive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      Metrics
		wantCTR float64
		wantCVR float64
	}{
		{"zero impressions", Metrics{}, 0, 0},
		{"zero clicks", Metrics{Impressions: 100}, 0, 0},
		{"normal", Metrics{Impressions: 1000, Clicks: 50, Signups: 10}, 0.05, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.in.Derive()
			assert.InDelta(t, tt.wantCTR, got.CTR, 1e-9)
			assert.InDelta(t, tt.wantCVR, got.ConversionRate, 1e-9)
		})
	}
}

func TestMetricsAdd(t *testing.T) {
	t.Parallel()

	a := Metrics{Impressions: 10, Clicks: 2, Signups: 1, Spend: 5, CTR: 0.2}
	b := Metrics{Impressions: 30, Clicks: 3, Signups: 0, Spend: 7.5}
	got := a.Add(b)
	assert.Equal(t, int64(40), got.Impressions)
	assert.Equal(t, int64(5), got.Clicks)
	assert.Equal(t, int64(1), got.Signups)
	assert.InDelta(t, 12.5, got.Spend, 1e-9)
	assert.Zero(t, got.CTR)
}

func TestEnsureArtifactTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to ArtifactStatus
		ok       bool
	}{
		{ArtifactDraft, ArtifactPendingReview, true},
		{ArtifactDraft, ArtifactApproved, true},
		{ArtifactPendingReview, ArtifactApproved, true},
		{ArtifactPendingReview, ArtifactRejected, true},
		{ArtifactApproved, ArtifactRejected, false},
		{ArtifactRejected, ArtifactDraft, false},
		{ArtifactPendingReview, ArtifactDraft, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			err := EnsureArtifactTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSetArtifactStatus(t *testing.T) {
	t.Parallel()

	run := ExperimentRun{
		ID:        "exp-1",
		Finalized: true,
		Artifacts: []Artifact{{ID: "ad-1", Status: ArtifactPendingReview}},
	}
	require.NoError(t, run.SetArtifactStatus("ad-1", ArtifactRejected, "off brand"))
	assert.Equal(t, ArtifactRejected, run.Artifacts[0].Status)
	assert.Equal(t, "off brand", run.Artifacts[0].Comment)

	assert.Error(t, run.SetArtifactStatus("ad-1", ArtifactApproved, ""))
	assert.Error(t, run.SetArtifactStatus("missing", ArtifactApproved, ""))
}

func TestFinancialSnapshotLTVToCAC(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 3.0, FinancialSnapshot{CAC: 100, LTV: 300}.LTVToCAC(), 1e-9)
	assert.Zero(t, FinancialSnapshot{CAC: 0, LTV: 300}.LTVToCAC())
	assert.Error(t, FinancialSnapshot{AddressableSpend: -1}.Validate())
}

func TestFeasibilityAssessmentValidate(t *testing.T) {
	t.Parallel()

	ok := FeasibilityAssessment{Components: []FeasibilityComponent{{Name: "billing", Status: ComponentConstrained}}}
	assert.NoError(t, ok.Validate())

	bad := FeasibilityAssessment{Components: []FeasibilityComponent{{Name: "billing", Status: "maybe"}}}
	assert.Error(t, bad.Validate())
}

func TestApprovalRequestOffers(t *testing.T) {
	t.Parallel()

	req := ApprovalRequest{Options: []string{OptionPricePivot, OptionKill}}
	assert.True(t, req.Offers(OptionKill))
	assert.False(t, req.Offers(OptionCostPivot))
	assert.True(t, ApprovalRequest{}.Offers("anything"))
}
