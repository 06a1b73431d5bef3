package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trapwatch/internal/domain"

	tele "gopkg.in/telebot.v3"
)

// LaneView is the read side of a lane's signal engine.
type LaneView interface {
	Lane() domain.Lane
	Active() []domain.Signal
	Stats(ctx context.Context) (domain.SignalStats, error)
}

const commandTimeout = 5 * time.Second

type Commands struct {
	lanes []LaneView
}

func NewCommands(lanes []LaneView) *Commands {
	return &Commands{lanes: lanes}
}

func (c *Commands) Register(r Router) {
	r.Handle("/ping", func(ctx tele.Context) error {
		return ctx.Send("pong")
	})
	r.Handle("/active", func(ctx tele.Context) error {
		return ctx.Send(c.Active(ctx.Args()))
	})
	r.Handle("/stats", func(ctx tele.Context) error {
		reqCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return ctx.Send(c.Stats(reqCtx, ctx.Args()))
	})
	r.Handle("/lanes", func(ctx tele.Context) error {
		return ctx.Send(c.Lanes())
	})
}

func (c *Commands) Lanes() string {
	if len(c.lanes) == 0 {
		return "No lanes running"
	}
	names := make([]string, 0, len(c.lanes))
	for _, l := range c.lanes {
		names = append(names, l.Lane().String())
	}
	return "Lanes: " + strings.Join(names, ", ")
}

// Active lists pending signals, optionally for one ticker.
func (c *Commands) Active(args []string) string {
	ticker := tickerArg(args)
	var b strings.Builder
	for _, l := range c.match(ticker) {
		for _, s := range l.Active() {
			fmt.Fprintf(&b, "#%d %s %s entry %s tp %s sl %s\n",
				s.ID, s.Side, s.Ticker, price(s.EntryPrice), price(s.TPPrice), price(s.SLPrice))
		}
	}
	if b.Len() == 0 {
		return "No active signals"
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) Stats(ctx context.Context, args []string) string {
	ticker := tickerArg(args)
	lanes := c.match(ticker)
	if len(lanes) == 0 {
		return fmt.Sprintf("Unknown ticker: %s\n%s", ticker, c.Lanes())
	}
	var b strings.Builder
	for _, l := range lanes {
		st, err := l.Stats(ctx)
		if err != nil {
			fmt.Fprintf(&b, "%s: error: %v\n", l.Lane(), err)
			continue
		}
		fmt.Fprintf(&b, "%s: %d signals, %d pending, %d TP / %d SL / %d expired, win rate %.1f%%, avg %+.1f bps",
			l.Lane(), st.Total, st.Pending, st.TPHit, st.SLHit, st.Expired, st.WinRate*100, st.AvgPnlBps)
		if st.ActiveBreakout {
			b.WriteString(", breakout active")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) match(ticker string) []LaneView {
	if ticker == "" {
		return c.lanes
	}
	var out []LaneView
	for _, l := range c.lanes {
		if l.Lane().Ticker == ticker {
			out = append(out, l)
		}
	}
	return out
}

func tickerArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(args[0]))
}
