package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trapwatch/internal/domain"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RefreshInterval is how often the console reloads from the repositories.
const RefreshInterval = 5 * time.Second

const (
	loadTimeout = 3 * time.Second
	signalRows  = 50
	runRows     = 5
)

type SignalLister interface {
	ListSignals(ctx context.Context, filter domain.SignalFilter) ([]domain.Signal, error)
	SignalStats(ctx context.Context, source, ticker string) (domain.SignalStats, error)
}

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]domain.BacktestRun, error)
}

// Services are the console's data sources. Nil entries render as disabled.
type Services struct {
	Signals  SignalLister
	Runs     RunLister
	Username string
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	winStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	lossStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240"))
)

type tickMsg time.Time

type dataMsg struct {
	signals []domain.Signal
	stats   domain.SignalStats
	runs    []domain.BacktestRun
	at      time.Time
	err     error
}

// AppModel shows recent signals, aggregate stats and the latest backtest runs.
type AppModel struct {
	svc     Services
	table   table.Model
	stats   domain.SignalStats
	runs    []domain.BacktestRun
	err     error
	updated time.Time
	width   int
	height  int
	now     func() time.Time
}

func NewAppModel(svc Services) *AppModel {
	t := table.New(
		table.WithColumns(signalColumns()),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return &AppModel{svc: svc, table: t, now: time.Now}
}

func signalColumns() []table.Column {
	return []table.Column{
		{Title: "ID", Width: 6},
		{Title: "Time", Width: 19},
		{Title: "Lane", Width: 14},
		{Title: "Side", Width: 5},
		{Title: "Entry", Width: 12},
		{Title: "TP", Width: 12},
		{Title: "SL", Width: 12},
		{Title: "Status", Width: 8},
		{Title: "PnL bps", Width: 8},
	}
}

// SetSize fits the signal table to the terminal.
func (m *AppModel) SetSize(width, height int) {
	m.width, m.height = width, height
	// header, stats, runs box and footer
	h := height - (runRows + 10)
	if h < 3 {
		h = 3
	}
	m.table.SetHeight(h)
	if width > 0 {
		m.table.SetWidth(width - 2)
	}
}

func (m *AppModel) Init() tea.Cmd {
	return tea.Batch(m.load, tick())
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *AppModel) load() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	msg := dataMsg{at: m.now()}
	if m.svc.Signals != nil {
		signals, err := m.svc.Signals.ListSignals(ctx, domain.SignalFilter{Limit: signalRows})
		if err != nil {
			msg.err = fmt.Errorf("signals: %w", err)
			return msg
		}
		msg.signals = signals
		stats, err := m.svc.Signals.SignalStats(ctx, "", "")
		if err != nil {
			msg.err = fmt.Errorf("stats: %w", err)
			return msg
		}
		msg.stats = stats
	}
	if m.svc.Runs != nil {
		runs, err := m.svc.Runs.ListRuns(ctx, runRows)
		if err != nil {
			msg.err = fmt.Errorf("runs: %w", err)
			return msg
		}
		msg.runs = runs
	}
	return msg
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.load
		}
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.load, tick())
	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.table.SetRows(signalTableRows(msg.signals))
			m.stats = msg.stats
			m.runs = msg.runs
			m.updated = msg.at
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func signalTableRows(signals []domain.Signal) []table.Row {
	rows := make([]table.Row, 0, len(signals))
	for _, s := range signals {
		pnl := "-"
		if s.ResultPnlBps != nil {
			pnl = fmt.Sprintf("%+.1f", *s.ResultPnlBps)
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", s.ID),
			s.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			s.Source + ":" + s.Ticker,
			string(s.Side),
			fmt.Sprintf("%.4f", s.EntryPrice),
			fmt.Sprintf("%.4f", s.TPPrice),
			fmt.Sprintf("%.4f", s.SLPrice),
			string(s.Status),
			pnl,
		})
	}
	return rows
}

func (m *AppModel) View() string {
	var b strings.Builder

	title := "trapwatch"
	if m.svc.Username != "" {
		title += " | " + m.svc.Username
	}
	b.WriteString(titleStyle.Render(title))
	if !m.updated.IsZero() {
		b.WriteString(dimStyle.Render("  updated " + m.updated.UTC().Format("15:04:05")))
	}
	b.WriteString("\n")

	if m.svc.Signals == nil {
		b.WriteString(dimStyle.Render("persistence disabled, no signal history"))
		b.WriteString("\n")
	} else {
		b.WriteString(m.statsLine())
		b.WriteString("\n")
		b.WriteString(boxStyle.Render(m.table.View()))
		b.WriteString("\n")
	}

	if m.svc.Runs != nil {
		b.WriteString(m.runsView())
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("↑/↓ scroll • r refresh • q quit"))
	return b.String()
}

func (m *AppModel) statsLine() string {
	st := m.stats
	parts := []string{
		statStyle.Render(fmt.Sprintf("signals %d", st.Total)),
		statStyle.Render(fmt.Sprintf("pending %d", st.Pending)),
		winStyle.Render(fmt.Sprintf("TP %d", st.TPHit)),
		lossStyle.Render(fmt.Sprintf("SL %d", st.SLHit)),
		statStyle.Render(fmt.Sprintf("expired %d", st.Expired)),
		statStyle.Render(fmt.Sprintf("win rate %.1f%%", st.WinRate*100)),
		statStyle.Render(fmt.Sprintf("avg %+.1f bps", st.AvgPnlBps)),
	}
	return strings.Join(parts, dimStyle.Render(" | "))
}

func (m *AppModel) runsView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Recent backtests"))
	b.WriteString("\n")
	if len(m.runs) == 0 {
		b.WriteString(dimStyle.Render("  none yet"))
		b.WriteString("\n")
		return b.String()
	}
	for _, r := range m.runs {
		style := winStyle
		if r.TotalPnlBps < 0 {
			style = lossStyle
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(&b, "  %s %-12s %-5s %s  %3d trades  win %5.1f%%  %s\n",
			id, r.Kind, r.Ticker,
			r.CreatedAt.UTC().Format("01-02 15:04"),
			r.TotalSignals, r.WinRate*100,
			style.Render(fmt.Sprintf("%+.1f bps", r.TotalPnlBps)),
		)
	}
	return b.String()
}
