package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trapwatch/internal/domain"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// Sender is the part of *tele.Bot the notifier needs.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Router is the part of *tele.Bot commands register against.
type Router interface {
	Handle(endpoint interface{}, h tele.HandlerFunc, m ...tele.MiddlewareFunc)
}

var (
	_ Sender = (*tele.Bot)(nil)
	_ Router = (*tele.Bot)(nil)
)

var newBot = tele.NewBot

// Bot owns the telegram client. Its notifier is nil when no chat is configured.
type Bot struct {
	bot      *tele.Bot
	notifier *Notifier
}

// StartTelegramBot registers the operator commands and starts long polling.
// It returns nil, nil when token is empty.
func StartTelegramBot(token string, chatID int64, lanes []LaneView, logger *zap.Logger) (*Bot, error) {
	if token == "" {
		logger.Info("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil, nil
	}
	b, err := newBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	NewCommands(lanes).Register(b)

	out := &Bot{bot: b}
	if chatID != 0 {
		out.notifier = NewNotifier(b, chatID, logger)
	} else {
		logger.Warn("TELEGRAM_CHAT_ID not set, telegram notifications disabled")
	}

	logger.Info("Telegram bot started")
	go b.Start()
	return out, nil
}

func (b *Bot) Notifier() *Notifier {
	if b == nil {
		return nil
	}
	return b.notifier
}

func (b *Bot) Stop() {
	if b != nil && b.bot != nil {
		b.bot.Stop()
	}
}

// Notifier sends signal and alert messages to a single chat.
type Notifier struct {
	sender Sender
	chat   tele.ChatID
	logger *zap.Logger
}

func NewNotifier(sender Sender, chatID int64, logger *zap.Logger) *Notifier {
	return &Notifier{sender: sender, chat: tele.ChatID(chatID), logger: logger}
}

func (n *Notifier) Name() string { return "telegram" }

func (n *Notifier) Deliver(_ context.Context, ev domain.Event) error {
	msg := FormatEvent(ev)
	if msg == "" {
		return nil
	}
	if _, err := n.sender.Send(n.chat, msg, tele.NoPreview); err != nil {
		return fmt.Errorf("telegram send %s: %w", ev.Kind, err)
	}
	return nil
}

// FormatEvent renders an event as a chat message. Feature events and the
// alerts that mirror signal events render as "".
func FormatEvent(ev domain.Event) string {
	switch ev.Kind {
	case domain.EventSignalOpened:
		if ev.Signal == nil {
			return ""
		}
		s := ev.Signal
		return fmt.Sprintf(
			"NEW %s %s (%s)\nEntry: %s\nTP: %s\nSL: %s\nConfidence: %.0f%%\n%s",
			s.Side, s.Ticker, s.Source,
			price(s.EntryPrice), price(s.TPPrice), price(s.SLPrice),
			s.Confidence*100, s.Rationale,
		)
	case domain.EventSignalClosed:
		if ev.Signal == nil {
			return ""
		}
		s := ev.Signal
		pnl := 0.0
		if s.ResultPnlBps != nil {
			pnl = *s.ResultPnlBps
		}
		return fmt.Sprintf("%s %s %s #%d\nEntry: %s\nPnL: %+.1f bps",
			s.Status, s.Side, s.Ticker, s.ID, price(s.EntryPrice), pnl)
	case domain.EventAlert:
		if ev.Alert == nil {
			return ""
		}
		switch ev.Alert.Type {
		case domain.AlertSignalNew, domain.AlertSignalTPHit, domain.AlertSignalSLHit:
			return ""
		}
		return fmt.Sprintf("[%s] %s\n%s", ev.Alert.Priority, ev.Alert.Type, ev.Alert.Message)
	}
	return ""
}

func price(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	return "$" + strings.TrimSuffix(s, ".")
}
