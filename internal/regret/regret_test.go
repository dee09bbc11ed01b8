package regret

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/atp-project/routecore/internal/catalog"
)

func cand(name string, costPer1K float64) catalog.Candidate {
	return catalog.Candidate{Name: name, CostPer1KTokens: costPer1K}
}

func TestZeroRegretWhenChosenIsOptimal(t *testing.T) {
	c := NewCalculator(nil)
	viable := []catalog.Candidate{cand("mid", 1.0), cand("premium", 2.0)}

	a := c.Calculate(cand("mid", 1.0), viable, 1000)
	require.Equal(t, "mid", a.OptimalModel)
	require.Equal(t, 0.0, a.RegretAmountUSD)
	require.Equal(t, 0.0, a.RegretPct)
	require.Equal(t, 2, a.ViableCandidates)
}

func TestRegretAgainstCheaperAlternative(t *testing.T) {
	c := NewCalculator(nil)
	viable := []catalog.Candidate{cand("cheap", 0.4), cand("mid", 1.0)}

	a := c.Calculate(cand("mid", 1.0), viable, 1000)
	require.Equal(t, "cheap", a.OptimalModel)
	require.InDelta(t, 1.0, a.ChosenCostUSD, 1e-12)
	require.InDelta(t, 0.4, a.OptimalCostUSD, 1e-12)
	require.InDelta(t, 0.6, a.RegretAmountUSD, 1e-12)
	require.InDelta(t, 150.0, a.RegretPct, 1e-9)
}

func TestRegretNonNegative(t *testing.T) {
	c := NewCalculator(nil)
	viable := []catalog.Candidate{cand("a", 0.5), cand("b", 1.0), cand("c", 2.0)}
	for _, chosen := range viable {
		a := c.Calculate(chosen, viable, 500)
		require.GreaterOrEqual(t, a.RegretAmountUSD, 0.0)
		require.GreaterOrEqual(t, a.RegretPct, 0.0)
	}
}

func TestEmptyViableYieldsZeroAnalysis(t *testing.T) {
	c := NewCalculator(nil)
	a := c.Calculate(cand("mid", 1.0), nil, 1000)
	require.Equal(t, "none", a.OptimalModel)
	require.Equal(t, 0, a.ViableCandidates)
	require.Equal(t, 0.0, a.RegretAmountUSD)
}

func TestFreeOptimalAvoidsDivideByZero(t *testing.T) {
	c := NewCalculator(nil)
	viable := []catalog.Candidate{cand("free", 0.0), cand("paid", 1.0)}
	a := c.Calculate(cand("paid", 1.0), viable, 1000)
	require.Equal(t, "free", a.OptimalModel)
	require.Equal(t, 0.0, a.RegretPct, "pct is 0 when optimal cost is 0")
	require.InDelta(t, 1.0, a.RegretAmountUSD, 1e-12)
}

func TestHistogramObserved(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_regret_pct",
		Buckets: Buckets,
	})
	c := NewCalculator(h)
	viable := []catalog.Candidate{cand("cheap", 0.4), cand("mid", 1.0)}
	c.Calculate(cand("mid", 1.0), viable, 1000)

	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	require.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
