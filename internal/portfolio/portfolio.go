// Package portfolio maintains the paper book: net positions per symbol
// with realized P&L on the average-cost method, marked to the latest
// bar close for the unrealized leg.
package portfolio

import (
	"math"
	"sort"
	"sync"

	"algoengine/internal/execution"
	"algoengine/internal/model"
)

// Position is the net book for one symbol. Qty is positive for long,
// negative for short.
type Position struct {
	Symbol    string  `json:"symbol"`
	Qty       int     `json:"qty"`
	AvgPrice  float64 `json:"avg_price"`
	LastPrice float64 `json:"last_price"`
	Option    bool    `json:"option,omitempty"`
}

// UnrealizedPnL marks the open quantity against the last seen price.
// Zero until the first mark arrives.
func (p Position) UnrealizedPnL() float64 {
	if p.LastPrice == 0 {
		return 0
	}
	return (p.LastPrice - p.AvgPrice) * float64(p.Qty)
}

// Summary is a point-in-time view of the whole book.
type Summary struct {
	Positions     []Position `json:"positions"`
	RealizedPnL   float64    `json:"realized_pnl"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	Fills         int        `json:"fills"`
}

// Book tracks positions and P&L from paper fills. Safe for concurrent
// use: the executor applies fills while bar consumers mark prices.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
	realized  float64
	fills     int
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// ApplyFill nets the fill into the book. Fills against an open position
// on the opposite side realize P&L for the overlapping quantity; any
// excess opens a fresh position at the fill price.
func (b *Book) ApplyFill(f execution.Fill) {
	qty := f.Qty
	if f.Side == model.SideSell {
		qty = -qty
	}
	if qty == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fills++

	pos, ok := b.positions[f.Symbol]
	if !ok {
		b.positions[f.Symbol] = &Position{
			Symbol:    f.Symbol,
			Qty:       qty,
			AvgPrice:  f.FillPrice,
			LastPrice: f.FillPrice,
			Option:    f.Option,
		}
		return
	}

	pos.LastPrice = f.FillPrice
	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, qty):
		oldAbs := math.Abs(float64(pos.Qty))
		addAbs := math.Abs(float64(qty))
		pos.AvgPrice = (pos.AvgPrice*oldAbs + f.FillPrice*addAbs) / (oldAbs + addAbs)
		pos.Qty += qty

	default:
		closed := min(abs(pos.Qty), abs(qty))
		if pos.Qty > 0 {
			b.realized += (f.FillPrice - pos.AvgPrice) * float64(closed)
		} else {
			b.realized += (pos.AvgPrice - f.FillPrice) * float64(closed)
		}
		pos.Qty += qty
		if pos.Qty == 0 {
			pos.AvgPrice = 0
		} else if sameSign(pos.Qty, qty) {
			// Crossed through flat: the remainder is a new position.
			pos.AvgPrice = f.FillPrice
		}
	}
}

// MarkBar refreshes the last price for the bar's symbol.
func (b *Book) MarkBar(bar model.Bar) {
	b.MarkPrice(bar.Symbol, bar.Close)
}

// MarkPrice refreshes the last price for an open position. Unknown
// symbols are ignored.
func (b *Book) MarkPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[symbol]; ok {
		pos.LastPrice = price
	}
}

// Snapshot returns open positions sorted by symbol plus P&L totals.
func (b *Book) Snapshot() Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sum := Summary{RealizedPnL: b.realized, Fills: b.fills}
	for _, p := range b.positions {
		if p.Qty == 0 {
			continue
		}
		sum.Positions = append(sum.Positions, *p)
		sum.UnrealizedPnL += p.UnrealizedPnL()
	}
	sort.Slice(sum.Positions, func(i, j int) bool {
		return sum.Positions[i].Symbol < sum.Positions[j].Symbol
	})
	return sum
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
