// Package risk sizes underlying positions from a fixed per-trade risk
// fraction and tracks realized daily loss against a hard stop.
package risk

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"algoengine/internal/logger"
)

// Manager implements model.RiskSizer. Quantity = account balance × per-trade
// risk fraction ÷ per-share risk, floored to whole lots.
type Manager struct {
	accountBalance float64
	riskPerTrade   float64
	maxDailyLoss   float64
	lotSize        int
	log            zerolog.Logger

	mu        sync.Mutex
	dailyLoss float64
}

// New builds a Manager. lotSize < 1 is treated as 1 (cash equities).
func New(accountBalance, riskPerTrade, maxDailyLoss float64, lotSize int) *Manager {
	if lotSize < 1 {
		lotSize = 1
	}
	return &Manager{
		accountBalance: accountBalance,
		riskPerTrade:   riskPerTrade,
		maxDailyLoss:   maxDailyLoss,
		lotSize:        lotSize,
		log:            logger.New("risk"),
	}
}

// CalcSize returns the quantity whose worst-case loss at the stop equals the
// per-trade risk budget. Zero when the stop sits on the entry.
func (m *Manager) CalcSize(entryPrice, stopLoss float64) int {
	riskAmount := m.accountBalance * m.riskPerTrade
	perShareRisk := math.Abs(entryPrice - stopLoss)
	if perShareRisk <= 0 {
		return 0
	}
	rawQty := riskAmount / perShareRisk
	qty := int(math.Floor(rawQty/float64(m.lotSize))) * m.lotSize
	if qty < 0 {
		return 0
	}
	return qty
}

// RegisterLoss adds a realized loss to the daily register. Profitable exits
// pass a negative amount.
func (m *Manager) RegisterLoss(amount float64) {
	m.mu.Lock()
	m.dailyLoss += amount
	hit := m.dailyLoss >= m.accountBalance*m.maxDailyLoss
	m.mu.Unlock()
	if hit {
		m.log.Warn().Float64("daily_loss", amount).Msg("daily loss stop reached")
	}
}

// DailyStopHit reports whether accumulated losses reached the daily cap.
func (m *Manager) DailyStopHit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLoss >= m.accountBalance*m.maxDailyLoss
}

// ResetDaily clears the register at the start of a trading day.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	m.dailyLoss = 0
	m.mu.Unlock()
}
