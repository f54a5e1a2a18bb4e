package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState tracks where a position is in its close lifecycle. A closed
// position is removed, so there is no closed state.
type PositionState string

const (
	PositionOpen    PositionState = "open"
	PositionClosing PositionState = "closing"
)

// ExitKind enumerates the auto-sell rules, in evaluation priority order.
type ExitKind int

const (
	ExitStopLoss ExitKind = iota
	ExitTakeProfit
	ExitTrailingStop
)

// exitPriority is the order rules are tested in; the first hit wins.
var exitPriority = [...]ExitKind{ExitStopLoss, ExitTakeProfit, ExitTrailingStop}

func (k ExitKind) String() string {
	switch k {
	case ExitStopLoss:
		return "stop_loss"
	case ExitTakeProfit:
		return "take_profit"
	case ExitTrailingStop:
		return "trailing_stop"
	default:
		return "unknown"
	}
}

// ExitRules are the fractions configured for a position. A zero StopLoss or
// TakeProfit disables that rule; a nil TrailingStop disables trailing.
type ExitRules struct {
	StopLoss     float64  `json:"stop_loss"`
	TakeProfit   float64  `json:"take_profit"`
	TrailingStop *float64 `json:"trailing_stop,omitempty"`
}

// Trigger describes the rule that fired for a position.
type Trigger struct {
	Kind      ExitKind
	Price     float64
	Threshold float64
}

var one = decimal.NewFromInt(1)

// threshold returns the price level for rule k and whether k is configured.
func (r ExitRules) threshold(k ExitKind, entry, highWater float64) (decimal.Decimal, bool) {
	switch k {
	case ExitStopLoss:
		if r.StopLoss <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(entry).Mul(one.Sub(decimal.NewFromFloat(r.StopLoss))), true
	case ExitTakeProfit:
		if r.TakeProfit <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(entry).Mul(one.Add(decimal.NewFromFloat(r.TakeProfit))), true
	case ExitTrailingStop:
		if r.TrailingStop == nil || *r.TrailingStop <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(highWater).Mul(one.Sub(decimal.NewFromFloat(*r.TrailingStop))), true
	}
	return decimal.Zero, false
}

// hit reports whether price crosses level for rule k.
func (k ExitKind) hit(price, level decimal.Decimal) bool {
	switch k {
	case ExitStopLoss, ExitTrailingStop:
		return price.LessThanOrEqual(level)
	case ExitTakeProfit:
		return price.GreaterThanOrEqual(level)
	}
	return false
}

// Evaluate tests the rules against price in priority order: stop-loss, then
// take-profit, then trailing-stop. highWater must already include price.
func (r ExitRules) Evaluate(entry, highWater, price float64) (Trigger, bool) {
	p := decimal.NewFromFloat(price)
	for _, k := range exitPriority {
		level, ok := r.threshold(k, entry, highWater)
		if !ok {
			continue
		}
		if k.hit(p, level) {
			return Trigger{Kind: k, Price: price, Threshold: level.InexactFloat64()}, true
		}
	}
	return Trigger{}, false
}

// Position is a user's open exposure to one token. Prices are in SOL per
// whole token; Quantity is in the token's base units.
type Position struct {
	UserID        string        `json:"user_id"`
	Token         string        `json:"token"`
	EntryPrice    float64       `json:"entry_price"`
	Quantity      uint64        `json:"quantity"`
	Decimals      uint8         `json:"decimals"`
	Rules         ExitRules     `json:"rules"`
	HighWaterMark float64       `json:"high_water_mark"`
	State         PositionState `json:"state"`
	OpenedAt      time.Time     `json:"opened_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Key identifies the position's (user, token) slot.
func (p Position) Key() string {
	return PositionKey(p.UserID, p.Token)
}

// PositionKey builds the per (user, token) key shared by the tracker and the
// trade locks.
func PositionKey(userID, token string) string {
	return userID + "/" + token
}
