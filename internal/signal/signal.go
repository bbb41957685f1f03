// Package signal converts experiment and model outputs into closed
// categorical signals. Every function here is pure.
package signal

import (
	"strconv"

	"github.com/sells-group/validation-cli/internal/config"
	"github.com/sells-group/validation-cli/internal/model"
)

// Thresholds are fixed before data collection. All comparisons are inclusive.
type Thresholds struct {
	CTR            float64
	Conversion     float64
	MinSignups     int64
	MinImpressions int64
	MinLTVCAC      float64
	MinMarketSize  float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CTR:           0.02,
		Conversion:    0.10,
		MinSignups:    5,
		MinLTVCAC:     1.0,
		MinMarketSize: 1_000_000,
	}
}

// FromConfig builds thresholds from config, keeping defaults for unset values.
func FromConfig(cfg config.SignalsConfig) Thresholds {
	t := DefaultThresholds()
	if cfg.CTR > 0 {
		t.CTR = cfg.CTR
	}
	if cfg.Conversion > 0 {
		t.Conversion = cfg.Conversion
	}
	if cfg.MinSignups > 0 {
		t.MinSignups = cfg.MinSignups
	}
	if cfg.MinImpressions > 0 {
		t.MinImpressions = cfg.MinImpressions
	}
	if cfg.MinLTVCAC > 0 {
		t.MinLTVCAC = cfg.MinLTVCAC
	}
	if cfg.MinMarketSize > 0 {
		t.MinMarketSize = cfg.MinMarketSize
	}
	return t
}

// Record serializes the desirability thresholds so they can be stored on
// the experiment run they were applied to.
func (t Thresholds) Record() map[string]string {
	return map[string]string{
		"ctr":             strconv.FormatFloat(t.CTR, 'f', -1, 64),
		"conversion":      strconv.FormatFloat(t.Conversion, 'f', -1, 64),
		"min_signups":     strconv.FormatInt(t.MinSignups, 10),
		"min_impressions": strconv.FormatInt(t.MinImpressions, 10),
	}
}

// Desirability classifies aggregate experiment metrics. Zero impressions is
// always no_signal, never no_interest.
func Desirability(m model.Metrics, t Thresholds) model.DesirabilitySignal {
	if m.Impressions == 0 {
		return model.DesirabilityNoSignal
	}
	if contradictory(m) {
		return model.DesirabilityNoSignal
	}
	if t.MinImpressions > 0 && m.Impressions < t.MinImpressions {
		return model.DesirabilityNoSignal
	}

	d := m.Derive()
	ctrOK := d.CTR >= t.CTR
	cvrOK := d.ConversionRate >= t.Conversion

	switch {
	case ctrOK && cvrOK && m.Signups >= t.MinSignups:
		return model.StrongCommitment
	case ctrOK || cvrOK:
		return model.WeakInterest
	default:
		return model.NoInterest
	}
}

func contradictory(m model.Metrics) bool {
	if m.Impressions < 0 || m.Clicks < 0 || m.Signups < 0 || m.Spend < 0 {
		return true
	}
	return m.Clicks > m.Impressions || m.Signups > m.Clicks
}

// Feasibility classifies an assessment by its worst component.
func Feasibility(a model.FeasibilityAssessment) model.FeasibilitySignal {
	if len(a.Components) == 0 {
		return model.FeasibilityUnknown
	}
	worst := model.Feasible
	for _, c := range a.Components {
		switch c.Status {
		case model.ComponentImpossible:
			return model.Infeasible
		case model.ComponentConstrained:
			worst = model.Constrained
		}
	}
	return worst
}

// Viability classifies a financial snapshot. Unit economics are checked
// before market size.
func Viability(f model.FinancialSnapshot, t Thresholds) model.ViabilitySignal {
	if f.CAC <= 0 || f.LTV < 0 {
		return model.ViabilityUnknown
	}
	if f.LTVToCAC() < t.MinLTVCAC {
		return model.Underwater
	}
	if f.AddressableSpend < t.MinMarketSize {
		return model.ZombieMarket
	}
	return model.Profitable
}

// Aggregate sums channel metrics and derives the combined rates. Callers
// pass the complete set of channel results.
func Aggregate(channels []model.ChannelResult) model.Metrics {
	var total model.Metrics
	for _, c := range channels {
		total = total.Add(c.Metrics)
	}
	return total.Derive()
}
