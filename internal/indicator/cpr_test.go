package indicator

import "testing"

func TestComputeCPR(t *testing.T) {
	cpr := ComputeCPR(110, 100, 104)
	if !approx(cpr.Pivot, 314.0/3) {
		t.Errorf("pivot = %v, want %v", cpr.Pivot, 314.0/3)
	}
	if !approx(cpr.BC, 105) {
		t.Errorf("bc = %v, want 105", cpr.BC)
	}
	if !approx(cpr.TC, 2*314.0/3-105) {
		t.Errorf("tc = %v, want %v", cpr.TC, 2*314.0/3-105)
	}
}

func TestClassifyCPRWidth(t *testing.T) {
	cases := []struct {
		name    string
		h, l, c float64
		want    string
	}{
		{"degenerate", 100.2, 100, 100.1, "narrow"},
		{"normal", 101, 100, 101, "normal"},
		{"wide", 105, 100, 105, "wide"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyCPRWidth(tc.h, tc.l, tc.c); got != tc.want {
				t.Errorf("ClassifyCPRWidth(%v, %v, %v) = %s, want %s", tc.h, tc.l, tc.c, got, tc.want)
			}
		})
	}
}
