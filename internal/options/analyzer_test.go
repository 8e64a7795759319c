package options

import (
	"fmt"
	"math"
	"testing"

	"algoengine/internal/model"
)

func call(strike int, oi int64, iv, ltp, bid, ask float64) model.OptionContract {
	return model.OptionContract{
		Symbol: fmt.Sprintf("NIFTY-%d-CE", strike),
		Strike: strike,
		Kind:   model.KindCall,
		OI:     oi,
		IV:     iv,
		LTP:    ltp,
		Bid:    bid,
		Ask:    ask,
	}
}

func put(strike int, oi int64, iv, ltp, bid, ask float64) model.OptionContract {
	c := call(strike, oi, iv, ltp, bid, ask)
	c.Symbol = fmt.Sprintf("NIFTY-%d-PE", strike)
	c.Kind = model.KindPut
	return c
}

func f64(v float64) *float64 { return &v }

func i64(v int64) *int64 { return &v }

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestChainMetrics(t *testing.T) {
	chain := []model.OptionContract{
		call(22000, 1000, 12, 100, 99, 101),
		call(22050, 2000, 14, 100, 99, 101),
		call(22100, 3000, 16, 100, 99, 101),
		put(22000, 2000, 13, 100, 99, 101),
		put(22050, 1000, 15, 100, 99, 101),
		put(22100, 3000, 17, 100, 99, 101),
	}

	got := ChainMetrics(chain)
	if len(got) != 4 {
		t.Fatalf("metrics keys = %d, want 4 (%v)", len(got), got)
	}
	if !almostEqual(got["pcr"], 1.0) {
		t.Errorf("pcr = %v, want 1.0", got["pcr"])
	}
	if !almostEqual(got["iv_median"], 14.5) {
		t.Errorf("iv_median = %v, want 14.5", got["iv_median"])
	}
	if !almostEqual(got["iv_mean"], 14.5) {
		t.Errorf("iv_mean = %v, want 14.5", got["iv_mean"])
	}
	// ATM call IV 14 (strike 22050) minus ATM put IV 15.
	if !almostEqual(got["iv_skew"], -1.0) {
		t.Errorf("iv_skew = %v, want -1.0", got["iv_skew"])
	}
}

func TestChainMetricsEmpty(t *testing.T) {
	got := ChainMetrics(nil)
	if len(got) != 0 {
		t.Fatalf("empty chain metrics = %v, want empty map", got)
	}
}

func TestChainMetricsZeroCallOI(t *testing.T) {
	chain := []model.OptionContract{
		call(22000, 0, 12, 100, 99, 101),
		put(22000, 5000, 13, 100, 99, 101),
	}
	got := ChainMetrics(chain)
	if got["pcr"] != 0 {
		t.Errorf("pcr with zero call OI = %v, want 0", got["pcr"])
	}
}

func TestChainMetricsIgnoresUnquotedIV(t *testing.T) {
	chain := []model.OptionContract{
		call(22000, 1000, 0, 100, 99, 101),
		call(22050, 1000, 10, 100, 99, 101),
		put(22050, 1000, 20, 100, 99, 101),
	}
	got := ChainMetrics(chain)
	if !almostEqual(got["iv_median"], 15) {
		t.Errorf("iv_median = %v, want 15", got["iv_median"])
	}
	if !almostEqual(got["iv_mean"], 15) {
		t.Errorf("iv_mean = %v, want 15", got["iv_mean"])
	}
}

func TestApproxATMIV(t *testing.T) {
	t.Run("even ladder picks upper middle", func(t *testing.T) {
		contracts := []model.OptionContract{
			call(22000, 0, 10, 0, 0, 0),
			call(22050, 0, 11, 0, 0, 0),
			call(22100, 0, 12, 0, 0, 0),
			call(22150, 0, 13, 0, 0, 0),
		}
		got := approxATMIV(contracts)
		if got == nil || *got != 12 {
			t.Fatalf("atm iv = %v, want 12", got)
		}
	})

	t.Run("first contract at the middle strike wins", func(t *testing.T) {
		contracts := []model.OptionContract{
			call(22000, 0, 10, 0, 0, 0),
			call(22050, 0, 11, 0, 0, 0),
			call(22050, 0, 99, 0, 0, 0),
			call(22100, 0, 12, 0, 0, 0),
		}
		got := approxATMIV(contracts)
		if got == nil || *got != 11 {
			t.Fatalf("atm iv = %v, want 11", got)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if got := approxATMIV(nil); got != nil {
			t.Fatalf("atm iv = %v, want nil", got)
		}
	})
}

func TestRankStrikesFilters(t *testing.T) {
	t.Run("distance beyond intraday window", func(t *testing.T) {
		chain := []model.OptionContract{
			call(22050, 1000, 14, 100, 99.5, 100.5),
			call(22250, 1000, 14, 100, 99.5, 100.5),
		}
		ranked := RankStrikes(chain, model.SideBuy, 22040, ModeIntraday, 60, 14, 0.015, 0.025)
		if len(ranked) != 1 || ranked[0].Contract.Strike != 22050 {
			t.Fatalf("ranked = %+v, want only 22050", ranked)
		}
		if ranked[0].DistanceFromATM != 0 {
			t.Errorf("distance = %d, want 0", ranked[0].DistanceFromATM)
		}
	})

	t.Run("scalper window is tighter", func(t *testing.T) {
		chain := []model.OptionContract{
			call(22050, 1000, 14, 100, 99.5, 100.5),
			call(22200, 1000, 14, 100, 99.5, 100.5),
		}
		intraday := RankStrikes(chain, model.SideBuy, 22040, ModeIntraday, 60, 14, 0.015, 0.025)
		if len(intraday) != 2 {
			t.Fatalf("intraday ranked = %d, want 2", len(intraday))
		}
		scalper := RankStrikes(chain, model.SideBuy, 22040, ModeScalper, 60, 14, 0.015, 0.025)
		if len(scalper) != 1 || scalper[0].Contract.Strike != 22050 {
			t.Fatalf("scalper ranked = %+v, want only 22050", scalper)
		}
	})

	t.Run("oi percentile floor", func(t *testing.T) {
		chain := []model.OptionContract{
			call(22050, 100, 14, 100, 99.5, 100.5),
			call(22100, 1000, 14, 100, 99.5, 100.5),
		}
		ranked := RankStrikes(chain, model.SideBuy, 22040, ModeIntraday, 60, 14, 0.015, 0.025)
		if len(ranked) != 1 || ranked[0].Contract.Strike != 22100 {
			t.Fatalf("ranked = %+v, want only 22100", ranked)
		}
	})

	t.Run("spread limit", func(t *testing.T) {
		chain := []model.OptionContract{
			call(22050, 1000, 14, 100, 99.5, 100.5),
			call(22100, 1000, 14, 80, 78, 82),
		}
		ranked := RankStrikes(chain, model.SideBuy, 22040, ModeIntraday, 60, 14, 0.015, 0.025)
		if len(ranked) != 1 || ranked[0].Contract.Strike != 22050 {
			t.Fatalf("ranked = %+v, want only 22050", ranked)
		}
	})

	t.Run("wrong side has no candidates", func(t *testing.T) {
		chain := []model.OptionContract{
			call(22050, 1000, 14, 100, 99.5, 100.5),
		}
		if ranked := RankStrikes(chain, model.SideSell, 22040, ModeIntraday, 60, 14, 0.015, 0.025); ranked != nil {
			t.Fatalf("ranked = %+v, want nil", ranked)
		}
	})

	t.Run("empty chain", func(t *testing.T) {
		if ranked := RankStrikes(nil, model.SideBuy, 22040, ModeIntraday, 60, 14, 0.015, 0.025); ranked != nil {
			t.Fatalf("ranked = %+v, want nil", ranked)
		}
	})
}

func TestRankStrikesScoring(t *testing.T) {
	c := call(22050, 1000, 14, 100, 99, 101)
	c.Delta = f64(0.6)
	c.OIPrev = i64(800)

	ranked := RankStrikes([]model.OptionContract{c}, model.SideBuy, 22040, ModeIntraday, 60, 14, 0.015, 0.025)
	if len(ranked) != 1 {
		t.Fatalf("ranked = %d entries, want 1", len(ranked))
	}
	top := ranked[0]

	want := map[string]float64{
		"oi_rank":           1.0,
		"distance":          1.0,
		"iv_quality":        1.0,
		"spread":            0.2,  // 1 - (0.02 / 0.025)
		"oi_change":         0.25, // 200 / 800
		"delta_suitability": 0.6,
	}
	for k, v := range want {
		if !almostEqual(top.Components[k], v) {
			t.Errorf("component %s = %v, want %v", k, top.Components[k], v)
		}
	}
	if !almostEqual(top.Score, 0.6875) {
		t.Errorf("score = %v, want 0.6875", top.Score)
	}
	if top.DistanceFromATM != 0 {
		t.Errorf("distance = %d, want 0", top.DistanceFromATM)
	}
	if !almostEqual(top.EffectiveSpreadPct, 0.02) {
		t.Errorf("spread pct = %v, want 0.02", top.EffectiveSpreadPct)
	}
}

func TestRankStrikesOIChange(t *testing.T) {
	rank := func(c model.OptionContract) float64 {
		ranked := RankStrikes([]model.OptionContract{c}, model.SideBuy, 22040, ModeIntraday, 0, 14, 0.015, 0.025)
		if len(ranked) != 1 {
			t.Fatalf("ranked = %d entries, want 1", len(ranked))
		}
		return ranked[0].Components["oi_change"]
	}

	base := call(22050, 1000, 14, 100, 99.5, 100.5)
	if got := rank(base); !almostEqual(got, 0.5) {
		t.Errorf("no prior snapshot: oi_change = %v, want 0.5", got)
	}

	zeroPrev := base
	zeroPrev.OIPrev = i64(0)
	if got := rank(zeroPrev); !almostEqual(got, 0.5) {
		t.Errorf("zero prior: oi_change = %v, want 0.5", got)
	}

	shrinking := base
	shrinking.OI = 500
	shrinking.OIPrev = i64(1000)
	if got := rank(shrinking); !almostEqual(got, 0) {
		t.Errorf("shrinking OI: oi_change = %v, want 0", got)
	}

	growing := base
	growing.OI = 1200
	growing.OIPrev = i64(1000)
	if got := rank(growing); !almostEqual(got, 0.2) {
		t.Errorf("growing OI: oi_change = %v, want 0.2", got)
	}
}

func TestRankStrikesDeltaBreaksTie(t *testing.T) {
	// Identical calls except delta: the one nearer 1 must win outright.
	lo := call(22050, 1000, 14, 100, 99.5, 100.5)
	lo.Delta = f64(0.4)
	hi := lo
	hi.Symbol = "NIFTY-22050-CE-B"
	hi.Delta = f64(0.9)

	ranked := RankStrikes([]model.OptionContract{lo, hi}, model.SideBuy, 22040, ModeIntraday, 0, 14, 0.015, 0.025)
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d entries, want 2", len(ranked))
	}
	if ranked[0].Contract.Symbol != "NIFTY-22050-CE-B" {
		t.Errorf("top contract = %s, want the delta-0.9 candidate", ranked[0].Contract.Symbol)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Errorf("higher delta did not score strictly higher: %v <= %v",
			ranked[0].Score, ranked[1].Score)
	}
}

func TestRankStrikesOrdering(t *testing.T) {
	g := call(22050, 2000, 14, 100, 99, 101)
	g.Delta = f64(0.9)
	h := call(22100, 1000, 14, 100, 99, 101)
	h.Delta = f64(0.2)

	ranked := RankStrikes([]model.OptionContract{h, g}, model.SideBuy, 22040, ModeIntraday, 0, 14, 0.015, 0.025)
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d entries, want 2", len(ranked))
	}
	if ranked[0].Contract.Strike != 22050 {
		t.Errorf("top strike = %d, want 22050", ranked[0].Contract.Strike)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Errorf("scores not descending: %v <= %v", ranked[0].Score, ranked[1].Score)
	}
}

func TestRankStrikesStableTie(t *testing.T) {
	a := call(22050, 1000, 14, 100, 99.5, 100.5)
	a.Symbol = "NIFTY-A"
	b := a
	b.Symbol = "NIFTY-B"

	ranked := RankStrikes([]model.OptionContract{a, b}, model.SideBuy, 22040, ModeIntraday, 60, 14, 0.015, 0.025)
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d entries, want 2", len(ranked))
	}
	if ranked[0].Contract.Symbol != "NIFTY-A" || ranked[1].Contract.Symbol != "NIFTY-B" {
		t.Errorf("tie order = %s, %s; want NIFTY-A, NIFTY-B",
			ranked[0].Contract.Symbol, ranked[1].Contract.Symbol)
	}
}

func TestRankStrikesSellUsesPutDelta(t *testing.T) {
	p := put(22050, 1000, 14, 100, 99.5, 100.5)
	p.Delta = f64(-0.7)

	ranked := RankStrikes([]model.OptionContract{p}, model.SideSell, 22040, ModeIntraday, 60, 14, 0.015, 0.025)
	if len(ranked) != 1 {
		t.Fatalf("ranked = %d entries, want 1", len(ranked))
	}
	if got := ranked[0].Components["delta_suitability"]; !almostEqual(got, 0.7) {
		t.Errorf("delta_suitability = %v, want 0.7", got)
	}
}

func TestIVQuality(t *testing.T) {
	cases := []struct {
		name     string
		iv       float64
		ivMedian float64
		want     float64
	}{
		{"no median", 14, 0, 0.5},
		{"negative median", 14, -1, 0.5},
		{"at median", 14, 14, 1.0},
		{"within five pct", 102, 100, 1.0},
		{"at five pct boundary", 105, 100, 0.7},
		{"within fifteen pct", 110, 100, 0.7},
		{"at fifteen pct boundary", 115, 100, 0.4},
		{"within thirty pct", 125, 100, 0.4},
		{"at thirty pct boundary", 130, 100, 0.2},
		{"far from median", 200, 100, 0.2},
		{"below median", 85, 100, 0.4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ivQuality(tc.iv, tc.ivMedian); got != tc.want {
				t.Errorf("ivQuality(%v, %v) = %v, want %v", tc.iv, tc.ivMedian, got, tc.want)
			}
		})
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("odd median = %v, want 2", got)
	}
	if got := median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("even median = %v, want 2.5", got)
	}
	if got := median(nil); got != 0 {
		t.Errorf("empty median = %v, want 0", got)
	}

	vals := []float64{3, 1, 2}
	median(vals)
	if vals[0] != 3 || vals[1] != 1 || vals[2] != 2 {
		t.Errorf("median mutated its input: %v", vals)
	}
}

func TestMean(t *testing.T) {
	if got := mean([]float64{1, 2, 3, 4}); got != 2.5 {
		t.Errorf("mean = %v, want 2.5", got)
	}
	if got := mean(nil); got != 0 {
		t.Errorf("empty mean = %v, want 0", got)
	}
}
