package signal

import (
	"context"
	"testing"

	"github.com/walltrack/walltrack-engine/internal/wallets"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

type staticWallets struct{ entries []models.WalletEntry }

func (s staticWallets) LoadWallets(ctx context.Context) ([]models.WalletEntry, error) {
	return s.entries, nil
}

func warmCache(t *testing.T, entries ...models.WalletEntry) *wallets.Cache {
	t.Helper()
	c := wallets.NewCache(staticWallets{entries: entries}, 0)
	if err := c.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}
	return c
}

func TestFilter_PassesMonitoredWallet(t *testing.T) {
	cache := warmCache(t, models.WalletEntry{Address: "alpha", IsMonitored: true, WinRate: 0.6})
	f := NewFilter(cache)

	sig, outcome := f.Apply(models.SwapEvent{TxSignature: "sig-1", Wallet: "alpha", Token: "mint-1"})
	if outcome != OutcomePassed {
		t.Fatalf("expected pass, got %s", outcome)
	}
	if sig.Wallet.WinRate != 0.6 {
		t.Fatalf("filtered signal must carry the full wallet entry, got %+v", sig.Wallet)
	}
}

func TestFilter_DropsUnknownWallet(t *testing.T) {
	cache := warmCache(t, models.WalletEntry{Address: "alpha", IsMonitored: true})
	f := NewFilter(cache)

	if _, outcome := f.Apply(models.SwapEvent{Wallet: "stranger"}); outcome != OutcomeNotMonitored {
		t.Fatalf("expected not_monitored, got %s", outcome)
	}
}

func TestFilter_BlacklistWinsOverMonitored(t *testing.T) {
	cache := warmCache(t, models.WalletEntry{Address: "janus", IsMonitored: true, IsBlacklisted: true})
	f := NewFilter(cache)

	if _, outcome := f.Apply(models.SwapEvent{Wallet: "janus"}); outcome != OutcomeBlacklisted {
		t.Fatalf("blacklist must win, got %s", outcome)
	}
}

func TestFilter_FailsClosedBeforeWarmup(t *testing.T) {
	cache := wallets.NewCache(staticWallets{entries: []models.WalletEntry{
		{Address: "alpha", IsMonitored: true},
	}}, 0)
	f := NewFilter(cache)

	// No warmup: even a wallet that would be monitored is dropped.
	if _, outcome := f.Apply(models.SwapEvent{Wallet: "alpha"}); outcome != OutcomeNotMonitored {
		t.Fatalf("uninitialized cache must fail closed, got %s", outcome)
	}
}
