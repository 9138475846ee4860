package signal

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/internal/events"
	"github.com/walltrack/walltrack-engine/internal/position"
	"github.com/walltrack/walltrack-engine/internal/tokens"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Signal Processor
//
// The decisioning pipeline: drains the ingest channel, filters by wallet
// membership, enriches with token metadata, scores, and routes the verdict.
// Buys that clear the threshold open positions; sells from monitored
// wallets go to the mirror-exit check regardless of score.

// DefaultQueueDepth bounds the ingest channel. The webhook handler drops
// and counts events past this depth rather than block the HTTP response.
const DefaultQueueDepth = 1024

type Processor struct {
	in       chan models.SwapEvent
	filter   *Filter
	tokens   *tokens.Cache
	cfgStore *config.Store
	eventLog *events.Log
	manager  *position.Manager

	dropped atomic.Uint64
}

func NewProcessor(filter *Filter, tokenCache *tokens.Cache, cfgStore *config.Store, eventLog *events.Log, manager *position.Manager) *Processor {
	return &Processor{
		in:       make(chan models.SwapEvent, DefaultQueueDepth),
		filter:   filter,
		tokens:   tokenCache,
		cfgStore: cfgStore,
		eventLog: eventLog,
		manager:  manager,
	}
}

// Submit hands a parsed event to the pipeline without blocking. Returns
// false when the channel is full and the event was dropped.
func (p *Processor) Submit(ev models.SwapEvent) bool {
	select {
	case p.in <- ev:
		return true
	default:
		p.dropped.Add(1)
		log.Printf("[Processor] WARN: ingest queue full, dropping tx %s", ev.TxSignature)
		return false
	}
}

// Run drains the pipeline until the context ends. It also watches the
// config subscription to propagate tunables that live outside the snapshot
// pattern (the token cache wait budget).
func (p *Processor) Run(ctx context.Context) {
	log.Println("[Processor] Pipeline started")
	updates := p.cfgStore.Subscribe()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Processor] Pipeline stopped")
			return
		case cfg := <-updates:
			p.tokens.SetMaxWait(time.Duration(cfg.Polling.TokenFetchMaxWaitMs) * time.Millisecond)
			log.Printf("[Processor] Config v%d applied", cfg.Version)
		case ev := <-p.in:
			p.process(ctx, ev)
		}
	}
}

// process runs one event through the full pipeline.
func (p *Processor) process(ctx context.Context, ev models.SwapEvent) {
	inserted, err := p.eventLog.RecordSwapEvent(ctx, ev)
	if err != nil {
		log.Printf("[Processor] Failed to record tx %s: %v", ev.TxSignature, err)
		return
	}
	if !inserted {
		// Webhook redelivery; the first delivery already ran the pipeline.
		return
	}

	sig, outcome := p.filter.Apply(ev)
	if outcome != OutcomePassed {
		return
	}

	// Sells short-circuit scoring: a monitored wallet exiting is a mirror
	// signal for any open position on that pair, not a trade candidate.
	if ev.Direction == models.DirectionSell {
		p.manager.HandleSell(ctx, ev)
		return
	}

	token := p.tokens.Get(ctx, ev.Token)
	cfg := p.cfgStore.Snapshot()
	scored := Score(sig, token, cfg, time.Now())
	p.eventLog.RecordScoredSignal(ctx, scored)

	if !scored.TradeEligible() {
		return
	}

	if _, err := p.manager.OpenFromSignal(ctx, scored); err != nil {
		switch {
		case errors.Is(err, position.ErrLimitExceeded),
			errors.Is(err, position.ErrDuplicatePosition):
			log.Printf("[Processor] Signal %s not traded: %v", ev.TxSignature, err)
		default:
			log.Printf("[Processor] Entry for %s rejected: %v", ev.TxSignature, err)
		}
	}
}

// Dropped returns the count of events discarded by a full ingest queue.
func (p *Processor) Dropped() uint64 { return p.dropped.Load() }

// QueueDepth returns the current ingest backlog.
func (p *Processor) QueueDepth() int { return len(p.in) }
