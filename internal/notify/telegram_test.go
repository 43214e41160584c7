package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/shopspring/decimal"

	"bria-engine/internal/engine"
	"bria-engine/internal/ledger"
	"bria-engine/internal/referral"
)

type fakeSender struct {
	sent []*telego.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &telego.Message{}, nil
}

func TestCredited(t *testing.T) {
	ctx := context.Background()
	s := &fakeSender{}
	n := &Telegram{Bot: s}

	credit := ledger.Entry{Kind: ledger.KindReferralCredit, Amount: decimal.RequireFromString("0.08"), Generation: 2}
	if err := n.Credited(ctx, referral.User{ID: "p", TelegramID: 77}, credit); err != nil {
		t.Fatal(err)
	}
	if err := n.Credited(ctx, referral.User{ID: "no-chat"}, credit); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(s.sent))
	}
	if s.sent[0].ChatID.ID != 77 || !strings.Contains(s.sent[0].Text, "0.08") || !strings.Contains(s.sent[0].Text, "level 2") {
		t.Fatalf("message = %+v", s.sent[0])
	}

	s.err = errors.New("blocked by user")
	if err := n.Credited(ctx, referral.User{ID: "p", TelegramID: 77}, credit); err == nil {
		t.Fatal("expected send error")
	}
}

func TestMachineExpiringText(t *testing.T) {
	got := expiringText(engine.MachineView{TierName: "Gold Harvester", Claimable: decimal.NewFromInt(12)})
	if !strings.Contains(got, "Gold Harvester") || !strings.Contains(got, "12 BRIA") {
		t.Fatalf("text = %q", got)
	}
	if got := expiringText(engine.MachineView{TierName: "Bronze Staker", Claimable: decimal.Zero}); strings.Contains(got, "claim") {
		t.Fatalf("text = %q", got)
	}
	if got := creditText(ledger.Entry{Kind: ledger.KindMachineBonus, Amount: decimal.NewFromInt(5)}); !strings.Contains(got, "Machine sale") {
		t.Fatalf("text = %q", got)
	}
}
