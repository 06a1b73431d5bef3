package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trapwatch/internal/domain"

	tea "github.com/charmbracelet/bubbletea"
)

type stubSignals struct {
	signals []domain.Signal
	stats   domain.SignalStats
	err     error
	limit   int
}

var _ SignalLister = (*stubSignals)(nil)

func (s *stubSignals) ListSignals(_ context.Context, f domain.SignalFilter) ([]domain.Signal, error) {
	s.limit = f.Limit
	return s.signals, s.err
}

func (s *stubSignals) SignalStats(context.Context, string, string) (domain.SignalStats, error) {
	return s.stats, nil
}

type stubRuns struct {
	runs []domain.BacktestRun
}

var _ RunLister = (*stubRuns)(nil)

func (s *stubRuns) ListRuns(context.Context, int) ([]domain.BacktestRun, error) {
	return s.runs, nil
}

func testModel(sig *stubSignals, runs *stubRuns) *AppModel {
	m := NewAppModel(Services{Signals: sig, Runs: runs, Username: "ops"})
	m.now = func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) }
	m.SetSize(120, 40)
	return m
}

func TestLoadPopulatesView(t *testing.T) {
	sig := &stubSignals{
		signals: []domain.Signal{{
			ID: 42, Source: "bybit", Ticker: "ETH", Side: domain.SideShort,
			EntryPrice: 3000, TPPrice: 2990, SLPrice: 3006,
			Status: domain.StatusTPHit, ResultPnlBps: domain.Ptr(33.3),
		}},
		stats: domain.SignalStats{Total: 10, TPHit: 6, SLHit: 4, WinRate: 0.6},
	}
	runs := &stubRuns{runs: []domain.BacktestRun{{
		ID: "0b6f3f9e-2d1c", Kind: domain.RunWalkForward, Ticker: "ETH", TotalSignals: 12, WinRate: 0.5, TotalPnlBps: -20,
	}}}
	m := testModel(sig, runs)

	_, cmd := m.Update(m.load())
	if cmd != nil {
		t.Fatal("data message should not schedule a command")
	}
	if sig.limit != signalRows {
		t.Fatalf("expected limit %d, got %d", signalRows, sig.limit)
	}

	view := m.View()
	for _, want := range []string{"ops", "updated 09:30:00", "bybit:ETH", "+33.3", "win rate 60.0%", "walk_forward", "0b6f3f9e", "12 trades", "-20.0 bps"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestLoadErrorKeepsPreviousData(t *testing.T) {
	sig := &stubSignals{stats: domain.SignalStats{Total: 3}}
	m := testModel(sig, nil)
	m.Update(m.load())

	sig.err = errors.New("connection reset")
	m.Update(m.load())

	view := m.View()
	if !strings.Contains(view, "error: signals: connection reset") {
		t.Fatalf("expected error line, got:\n%s", view)
	}
	if !strings.Contains(view, "signals 3") {
		t.Fatalf("expected stats from the previous load, got:\n%s", view)
	}
}

func TestQuitKeys(t *testing.T) {
	m := testModel(&stubSignals{}, nil)
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
		{Type: tea.KeyCtrlC},
	} {
		_, cmd := m.Update(key)
		if cmd == nil {
			t.Fatalf("%s: expected quit command", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("%s: expected tea.QuitMsg", key)
		}
	}
}

func TestRefreshKeyReloads(t *testing.T) {
	m := testModel(&stubSignals{}, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if cmd == nil {
		t.Fatal("expected load command")
	}
	if _, ok := cmd().(dataMsg); !ok {
		t.Fatal("expected data message from refresh")
	}
}

func TestTickSchedulesReload(t *testing.T) {
	m := testModel(&stubSignals{}, nil)
	_, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected batch command on tick")
	}
}

func TestViewWithoutPersistence(t *testing.T) {
	m := NewAppModel(Services{})
	m.Update(m.load())
	if !strings.Contains(m.View(), "persistence disabled") {
		t.Fatal("expected disabled notice")
	}
}

func TestSetSizeFloorsTableHeight(t *testing.T) {
	ref := NewAppModel(Services{})
	ref.table.SetHeight(3)

	m := NewAppModel(Services{})
	m.SetSize(80, 5)
	if m.table.Height() != ref.table.Height() {
		t.Fatalf("expected the minimum table height %d, got %d", ref.table.Height(), m.table.Height())
	}
}
