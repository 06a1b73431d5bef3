package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type SignalStatus string

const (
	StatusPending SignalStatus = "PENDING"
	StatusTPHit   SignalStatus = "TP_HIT"
	StatusSLHit   SignalStatus = "SL_HIT"
	StatusExpired SignalStatus = "EXPIRED"
)

func (s SignalStatus) Terminal() bool {
	return s == StatusTPHit || s == StatusSLHit || s == StatusExpired
}

type BreakoutDirection string

const (
	BreakoutUp   BreakoutDirection = "UP"
	BreakoutDown BreakoutDirection = "DOWN"
)

// SignalCandidate is a detector output that has not been through the filters.
type SignalCandidate struct {
	Side          Side    `json:"side"`
	EntryPrice    float64 `json:"entry_price"`
	TPPrice       float64 `json:"tp_price"`
	SLPrice       float64 `json:"sl_price"`
	BreakoutPrice float64 `json:"breakout_price"`
	ReclaimPrice  float64 `json:"reclaim_price"`
	RangeHigh     float64 `json:"range_high"`
	RangeLow      float64 `json:"range_low"`
	Confidence    float64 `json:"confidence"`
	Rationale     string  `json:"rationale"`
}

type Signal struct {
	ID            int64        `json:"id"`
	Timestamp     time.Time    `json:"ts"`
	Source        string       `json:"source"`
	Ticker        string       `json:"ticker"`
	Side          Side         `json:"side"`
	EntryPrice    float64      `json:"entry_price"`
	TPPrice       float64      `json:"tp_price"`
	SLPrice       float64      `json:"sl_price"`
	BreakoutPrice float64      `json:"breakout_price"`
	ReclaimPrice  float64      `json:"reclaim_price"`
	Confidence    float64      `json:"confidence"`
	Rationale     string       `json:"rationale"`
	FiltersPassed []string     `json:"filters_passed"`
	Status        SignalStatus `json:"status"`
	ResultPnlBps  *float64     `json:"result_pnl_bps"`
	ClosedAt      *time.Time   `json:"closed_at"`
}

type SignalFilter struct {
	Ticker string
	Status SignalStatus
	Limit  int
}

type SignalStats struct {
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	TPHit          int     `json:"tp_hit"`
	SLHit          int     `json:"sl_hit"`
	Expired        int     `json:"expired"`
	WinRate        float64 `json:"win_rate"`
	AvgPnlBps      float64 `json:"avg_pnl_bps"`
	ActiveBreakout bool    `json:"active_breakout"`
}

// Outcome is the exit condition met by a price against a TP/SL pair.
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeTP   Outcome = "TP_HIT"
	OutcomeSL   Outcome = "SL_HIT"
)

// ExitHit reports which exit level price satisfies. Take-profit wins when both
// conditions hold on the same price.
func ExitHit(side Side, tp, sl, price float64) Outcome {
	switch side {
	case SideLong:
		if price >= tp {
			return OutcomeTP
		}
		if price <= sl {
			return OutcomeSL
		}
	case SideShort:
		if price <= tp {
			return OutcomeTP
		}
		if price >= sl {
			return OutcomeSL
		}
	}
	return OutcomeNone
}

// PnlBps is the signed return of a position in basis points.
func PnlBps(side Side, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	if side == SideShort {
		return (entry - exit) / entry * 10000
	}
	return (exit - entry) / entry * 10000
}
