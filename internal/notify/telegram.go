package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"

	"bria-engine/internal/engine"
	"bria-engine/internal/ledger"
	"bria-engine/internal/referral"
)

// Sender is the part of *telego.Bot the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Telegram messages users about credits and expiring machines. Users
// without a Telegram id are skipped.
type Telegram struct {
	Bot Sender
}

func NewTelegram(token string) (*Telegram, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{Bot: bot}, nil
}

func (t *Telegram) Credited(ctx context.Context, u referral.User, e ledger.Entry) error {
	if u.TelegramID == 0 {
		return nil
	}
	return t.send(ctx, u.TelegramID, creditText(e))
}

func (t *Telegram) MachineExpiring(ctx context.Context, u referral.User, m engine.MachineView) error {
	if u.TelegramID == 0 {
		return nil
	}
	return t.send(ctx, u.TelegramID, expiringText(m))
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	if _, err := t.Bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("failed to send telegram message to %d: %w", chatID, err)
	}
	log.WithField("chat", chatID).Debug("telegram notification sent")
	return nil
}

func creditText(e ledger.Entry) string {
	switch e.Kind {
	case ledger.KindMachineBonus:
		return fmt.Sprintf("💰 Machine sale bonus: +%s BRIA from your direct referral's new machine.", e.Amount.String())
	default:
		return fmt.Sprintf("💰 Referral bonus: +%s BRIA from a level %d claim.", e.Amount.String(), e.Generation)
	}
}

func expiringText(m engine.MachineView) string {
	msg := fmt.Sprintf("⚠️ Your %s machine expires in less than a day.", m.TierName)
	if m.Claimable.IsPositive() {
		msg += fmt.Sprintf(" %s BRIA is ready to claim.", m.Claimable.String())
	}
	return msg
}
