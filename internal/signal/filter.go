package signal

import (
	"log"
	"time"

	"github.com/walltrack/walltrack-engine/internal/wallets"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Signal filter: drops events from wallets we do not mirror and enriches
// survivors with the wallet context the scorer needs. Fail-closed: a wallet
// we cannot resolve is treated as not monitored.

type FilterOutcome string

const (
	OutcomePassed       FilterOutcome = "passed"
	OutcomeBlacklisted  FilterOutcome = "blacklisted"
	OutcomeNotMonitored FilterOutcome = "not_monitored"
)

type Filter struct {
	cache *wallets.Cache
	debug bool
}

func NewFilter(cache *wallets.Cache) *Filter {
	return &Filter{cache: cache}
}

// SetDebug enables logging of not_monitored drops, which are high-volume
// and silent by default.
func (f *Filter) SetDebug(on bool) { f.debug = on }

// Apply decides whether the event proceeds to scoring. Blacklist wins over
// monitored status; an uninitialized cache admits nothing.
func (f *Filter) Apply(ev models.SwapEvent) (models.FilteredSignal, FilterOutcome) {
	if !f.cache.Initialized() {
		if f.debug {
			log.Printf("[Filter] DEBUG wallet cache not initialized, dropping %s", ev.TxSignature)
		}
		return models.FilteredSignal{}, OutcomeNotMonitored
	}

	if f.cache.IsBlacklisted(ev.Wallet) {
		log.Printf("[Filter] Dropping signal from blacklisted wallet %s (tx %s)", ev.Wallet, ev.TxSignature)
		return models.FilteredSignal{}, OutcomeBlacklisted
	}

	if !f.cache.IsMonitored(ev.Wallet) {
		if f.debug {
			log.Printf("[Filter] DEBUG wallet %s not monitored, dropping %s", ev.Wallet, ev.TxSignature)
		}
		return models.FilteredSignal{}, OutcomeNotMonitored
	}

	entry, _ := f.cache.Get(ev.Wallet)
	if entry.IsBlacklisted {
		log.Printf("[Filter] Dropping signal from blacklisted wallet %s (tx %s)", ev.Wallet, ev.TxSignature)
		return models.FilteredSignal{}, OutcomeBlacklisted
	}

	return models.FilteredSignal{
		Event:      ev,
		Wallet:     entry,
		ReceivedAt: time.Now(),
	}, OutcomePassed
}
