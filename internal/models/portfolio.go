package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioHolding is a persisted (asset, quantity) pair. Quantity is in token
// units (decimal form), never raw base units.
type PortfolioHolding struct {
	AssetID  string          `json:"id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// NetWorthSnapshot is one valuation of a user's holdings
type NetWorthSnapshot struct {
	NetWorth   decimal.Decimal            `json:"netWorth"`
	CoinsWorth map[string]decimal.Decimal `json:"coinsWorth"`
	Timestamp  *time.Time                 `json:"timestamp,omitempty"`
}

// Consistent reports whether NetWorth equals the sum of CoinsWorth
func (s NetWorthSnapshot) Consistent() bool {
	sum := decimal.Zero
	for _, worth := range s.CoinsWorth {
		sum = sum.Add(worth)
	}
	return sum.Equal(s.NetWorth)
}

// ComputeSnapshot values holdings at the given prices. A missing price counts as zero.
func ComputeSnapshot(holdings []PortfolioHolding, prices map[string]decimal.Decimal) NetWorthSnapshot {
	coins := make(map[string]decimal.Decimal, len(holdings))
	total := decimal.Zero

	for _, h := range holdings {
		worth := prices[h.AssetID].Mul(h.Quantity)
		coins[h.AssetID] = coins[h.AssetID].Add(worth)
		total = total.Add(worth)
	}

	return NetWorthSnapshot{NetWorth: total, CoinsWorth: coins}
}

// NetWorthHistory is the oldest-first rolling series of snapshots
type NetWorthHistory []NetWorthSnapshot

// AppendWithCap returns a new history with s appended, evicting from the front
// so that at most limit entries remain. limit below 1 is treated as 1.
// The receiver is never modified.
func (h NetWorthHistory) AppendWithCap(s NetWorthSnapshot, limit int) NetWorthHistory {
	if limit < 1 {
		limit = 1
	}

	n := len(h) + 1
	drop := 0
	if n > limit {
		drop = n - limit
	}

	out := make(NetWorthHistory, 0, n-drop)
	out = append(out, h[drop:]...)
	return append(out, s)
}

// Latest returns the newest snapshot
func (h NetWorthHistory) Latest() (NetWorthSnapshot, bool) {
	if len(h) == 0 {
		return NetWorthSnapshot{}, false
	}
	return h[len(h)-1], true
}
