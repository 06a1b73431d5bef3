package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

type TradeStatus string

const (
	TradeOpen    TradeStatus = "OPEN"
	TradeTPHit   TradeStatus = "TP_HIT"
	TradeSLHit   TradeStatus = "SL_HIT"
	TradeExpired TradeStatus = "EXPIRED"
)

type Trade struct {
	EntryTime  time.Time   `json:"entry_time"`
	EntryPrice float64     `json:"entry_price"`
	Side       Side        `json:"side"`
	TPPrice    float64     `json:"tp_price"`
	SLPrice    float64     `json:"sl_price"`
	ExitTime   *time.Time  `json:"exit_time"`
	ExitPrice  *float64    `json:"exit_price"`
	Status     TradeStatus `json:"status"`
	PnlBps     float64     `json:"pnl_bps"`
	Confidence float64     `json:"confidence"`
	Rationale  string      `json:"rationale"`
}

// IsWin classifies a closed trade by the sign of its pnl.
func (t Trade) IsWin() bool {
	return t.PnlBps > 0
}

// Ratio is a metric that may legitimately be infinite. It marshals non-finite
// values as the strings "Infinity" and "-Infinity".
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(f):
		return []byte(`null`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"Infinity"`:
		*r = Ratio(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*r = Ratio(math.Inf(-1))
		return nil
	case `null`:
		*r = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// Metrics summarises a closed-trade list.
type Metrics struct {
	TotalSignals   int     `json:"total_signals"`
	WinCount       int     `json:"win_count"`
	LossCount      int     `json:"loss_count"`
	WinRate        float64 `json:"win_rate"`
	AvgWinBps      float64 `json:"avg_win_bps"`
	AvgLossBps     float64 `json:"avg_loss_bps"`
	ProfitFactor   Ratio   `json:"profit_factor"`
	TotalPnlBps    float64 `json:"total_pnl_bps"`
	MaxDrawdownBps float64 `json:"max_drawdown_bps"`
	SharpeRatio    Ratio   `json:"sharpe_ratio"`
	SortinoRatio   Ratio   `json:"sortino_ratio"`
	CalmarRatio    Ratio   `json:"calmar_ratio"`
}

type BacktestResult struct {
	RunID       string             `json:"run_id,omitempty"`
	Ticker      string             `json:"ticker"`
	Start       time.Time          `json:"data_start"`
	End         time.Time          `json:"data_end"`
	Params      map[string]float64 `json:"params"`
	TickCount   int                `json:"tick_count"`
	Trades      []Trade            `json:"trades"`
	EquityCurve []float64          `json:"equity_curve"`
	Metrics     Metrics            `json:"metrics"`
}

type WalkForwardWindow struct {
	Index       int             `json:"window_index"`
	TrainStart  time.Time       `json:"train_start"`
	TrainEnd    time.Time       `json:"train_end"`
	TestStart   time.Time       `json:"test_start"`
	TestEnd     time.Time       `json:"test_end"`
	TrainResult *BacktestResult `json:"train_result,omitempty"`
	TestResult  *BacktestResult `json:"test_result,omitempty"`
}

// WindowStability describes how consistent test-window win rates are.
type WindowStability struct {
	TotalWindows      int     `json:"total_windows"`
	WindowsWithTrades int     `json:"windows_with_trades"`
	AvgWinRate        float64 `json:"avg_window_win_rate"`
	StdWinRate        float64 `json:"std_window_win_rate"`
	MinWinRate        float64 `json:"min_window_win_rate"`
	MaxWinRate        float64 `json:"max_window_win_rate"`
}

type WalkForwardResult struct {
	RunID            string              `json:"run_id,omitempty"`
	Ticker           string              `json:"ticker"`
	Start            time.Time           `json:"start"`
	End              time.Time           `json:"end"`
	TrainDays        int                 `json:"train_window_days"`
	TestDays         int                 `json:"test_window_days"`
	StepDays         int                 `json:"step_days"`
	Params           map[string]float64  `json:"params"`
	Windows          []WalkForwardWindow `json:"windows"`
	AggregateMetrics Metrics             `json:"aggregate_metrics"`
	Stability        WindowStability     `json:"stability"`
}

type RunKind string

const (
	RunBacktest    RunKind = "backtest"
	RunWalkForward RunKind = "walk_forward"
)

// BacktestRun is the stored summary of a completed backtest or walk-forward run.
type BacktestRun struct {
	ID             string             `json:"id"`
	Kind           RunKind            `json:"kind"`
	Ticker         string             `json:"ticker"`
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	Params         map[string]float64 `json:"params"`
	TotalSignals   int                `json:"total_signals"`
	WinRate        float64            `json:"win_rate"`
	ProfitFactor   Ratio              `json:"profit_factor"`
	TotalPnlBps    float64            `json:"total_pnl_bps"`
	MaxDrawdownBps float64            `json:"max_drawdown_bps"`
	SharpeRatio    Ratio              `json:"sharpe_ratio"`
	Result         json.RawMessage    `json:"result,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}
