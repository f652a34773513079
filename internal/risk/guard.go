// Package risk gates every signal against the user's trading policy before
// any order reaches an exchange.
package risk

import (
	"fmt"
	"strings"

	"tradehook/internal/signal"
	"tradehook/pkg/db"
)

// Policy is the per-user trading policy evaluated against each signal.
type Policy struct {
	Enabled         bool
	RiskPerTrade    float64 // percent of available balance
	DefaultLeverage int
	MaxLeverage     int
	MaxPositions    int
	AllowedSymbols  []string // empty allows all
	BlockedSymbols  []string
}

// PolicyFromSettings maps stored bot settings onto a policy.
func PolicyFromSettings(s *db.BotSettings) Policy {
	return Policy{
		Enabled:         s.IsEnabled,
		RiskPerTrade:    s.RiskPerTrade,
		DefaultLeverage: s.DefaultLeverage,
		MaxLeverage:     s.MaxLeverage,
		MaxPositions:    s.MaxPositions,
		AllowedSymbols:  s.AllowedSymbols,
		BlockedSymbols:  s.BlacklistedSymbols,
	}
}

// Rejection is a policy veto. It is terminal: a rejected signal is never
// retried because re-running it cannot change the outcome.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "risk: " + r.Reason
}

// OrderPlan is the sized, clamped order the guard approved.
type OrderPlan struct {
	Symbol     string
	Side       string // long/short
	Quantity   float64
	Leverage   int
	OrderType  string
	Price      float64
	StopLoss   float64
	TakeProfit float64
}

// Evaluate checks sig against the policy and sizes the resulting order.
// openPositions is the user's current open position count and balance the
// available quote balance, only consulted when the signal does not carry an
// explicit quantity.
func Evaluate(sig signal.Signal, policy Policy, openPositions int, balance float64) (OrderPlan, error) {
	if !policy.Enabled {
		return OrderPlan{}, &Rejection{Reason: "trading disabled"}
	}

	// A close only removes exposure, so the symbol lists, the position cap and
	// sizing do not apply. It must stay possible to flatten a position even
	// after its symbol was blacklisted.
	if sig.Action == signal.ActionClose {
		return OrderPlan{Symbol: sig.Symbol, OrderType: "market"}, nil
	}

	if containsSymbol(policy.BlockedSymbols, sig.Symbol) {
		return OrderPlan{}, &Rejection{Reason: fmt.Sprintf("symbol %s is blacklisted", sig.Symbol)}
	}
	if len(policy.AllowedSymbols) > 0 && !containsSymbol(policy.AllowedSymbols, sig.Symbol) {
		return OrderPlan{}, &Rejection{Reason: fmt.Sprintf("symbol %s is not in the allowed list", sig.Symbol)}
	}

	if policy.MaxPositions > 0 && openPositions >= policy.MaxPositions {
		return OrderPlan{}, &Rejection{Reason: fmt.Sprintf("open positions at limit (%d/%d)", openPositions, policy.MaxPositions)}
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = policy.DefaultLeverage
	}
	if leverage <= 0 {
		leverage = 1
	}
	if policy.MaxLeverage > 0 && leverage > policy.MaxLeverage {
		leverage = policy.MaxLeverage
	}

	quantity := sig.Quantity
	if quantity <= 0 {
		if balance <= 0 {
			return OrderPlan{}, &Rejection{Reason: "no available balance to size order"}
		}
		if policy.RiskPerTrade <= 0 {
			return OrderPlan{}, &Rejection{Reason: "no quantity in signal and risk per trade is unset"}
		}
		quantity = balance * policy.RiskPerTrade / 100 / float64(leverage)
	}

	side := sig.Side
	if side == "" {
		switch sig.Action {
		case signal.ActionBuy:
			side = "long"
		case signal.ActionSell:
			side = "short"
		}
	}

	orderType := sig.OrderType
	if orderType == "" {
		orderType = "market"
	}

	return OrderPlan{
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   quantity,
		Leverage:   leverage,
		OrderType:  orderType,
		Price:      sig.Price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
	}, nil
}

func containsSymbol(list []string, symbol string) bool {
	for _, s := range list {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}
