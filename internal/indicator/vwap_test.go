package indicator

import (
	"testing"

	"algoengine/internal/model"
)

func TestVWAP(t *testing.T) {
	bars := []model.Bar{
		{High: 12, Low: 8, Close: 10, Volume: 10},  // typical 10
		{High: 22, Low: 18, Close: 20, Volume: 30}, // typical 20
	}
	vwap, valid, ok := VWAP(bars, 20)
	if !ok || valid != 2 {
		t.Fatalf("ok=%v valid=%d", ok, valid)
	}
	// (10*10 + 20*30) / 40
	if !approx(vwap, 17.5) {
		t.Errorf("vwap = %v, want 17.5", vwap)
	}
}

func TestVWAP_SkipsZeroVolumeBars(t *testing.T) {
	bars := []model.Bar{
		{High: 12, Low: 8, Close: 10, Volume: 10},
		{High: 1000, Low: 900, Close: 950, Volume: 0},
		{High: 22, Low: 18, Close: 20, Volume: 30},
	}
	vwap, valid, ok := VWAP(bars, 20)
	if !ok || valid != 2 {
		t.Fatalf("ok=%v valid=%d, want 2 contributing bars", ok, valid)
	}
	if !approx(vwap, 17.5) {
		t.Errorf("vwap = %v, want 17.5", vwap)
	}
}

func TestVWAP_NoVolume(t *testing.T) {
	bars := []model.Bar{{High: 12, Low: 8, Close: 10, Volume: 0}}
	if _, valid, ok := VWAP(bars, 20); ok || valid != 0 {
		t.Errorf("ok=%v valid=%d, want no result", ok, valid)
	}
}

func TestVWAP_WindowLimitsBars(t *testing.T) {
	bars := []model.Bar{
		{High: 600, Low: 400, Close: 500, Volume: 100}, // outside window
		{High: 12, Low: 8, Close: 10, Volume: 10},
		{High: 22, Low: 18, Close: 20, Volume: 30},
	}
	vwap, valid, ok := VWAP(bars, 2)
	if !ok || valid != 2 {
		t.Fatalf("ok=%v valid=%d", ok, valid)
	}
	if !approx(vwap, 17.5) {
		t.Errorf("vwap = %v, want 17.5 ignoring the bar outside the window", vwap)
	}
}
