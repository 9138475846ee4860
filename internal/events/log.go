package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Append-only event log. Every record is persisted (when a store is
// configured), kept in a bounded in-memory history for the dashboard
// endpoints, and fanned out to connected websocket clients.
//
// Records never update: an order status change appends a new record.

// Store is the durable backing for log records. *db.PostgresStore satisfies
// it; a nil Log store runs in memory only.
type Store interface {
	SaveSwapEvent(ctx context.Context, ev models.SwapEvent) (bool, error)
	SaveScoredSignal(ctx context.Context, sig models.ScoredSignal) error
	SaveOrder(ctx context.Context, o models.Order, priority models.Priority) error
	SaveBreakerEvent(ctx context.Context, ev models.BreakerEvent) error
	SavePosition(ctx context.Context, p models.Position) error
}

// Broadcaster pushes serialized records to live subscribers. The api Hub
// implements it.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Record is the envelope written to history and the stream.
type Record struct {
	Type string      `json:"type"` // signal/scored_signal/order/position/breaker
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// maxSeen bounds the in-memory signature set used for redelivery dedup.
const maxSeen = 10_000

type Log struct {
	store       Store
	broadcaster Broadcaster

	mu         sync.RWMutex
	history    []Record
	maxHistory int
	seen       map[string]bool
	seenOrder  []string
}

func NewLog(store Store, broadcaster Broadcaster) *Log {
	return &Log{
		store:       store,
		broadcaster: broadcaster,
		history:     make([]Record, 0),
		maxHistory:  1000,
		seen:        make(map[string]bool),
	}
}

// RecordSwapEvent appends a raw signal. Returns false when the tx signature
// was already recorded, making webhook redelivery a no-op for downstream.
// Dedup is checked in memory first so it works without a store; the database
// insert is keyed on tx_signature and catches redelivery across restarts.
func (l *Log) RecordSwapEvent(ctx context.Context, ev models.SwapEvent) (bool, error) {
	l.mu.Lock()
	if l.seen[ev.TxSignature] {
		l.mu.Unlock()
		return false, nil
	}
	l.seen[ev.TxSignature] = true
	l.seenOrder = append(l.seenOrder, ev.TxSignature)
	if len(l.seenOrder) > maxSeen {
		delete(l.seen, l.seenOrder[0])
		l.seenOrder = l.seenOrder[1:]
	}
	l.mu.Unlock()

	inserted := true
	if l.store != nil {
		var err error
		inserted, err = l.store.SaveSwapEvent(ctx, ev)
		if err != nil {
			// Unmark the signature so a provider redelivery retries the
			// insert instead of being swallowed as a duplicate.
			l.forget(ev.TxSignature)
			return false, err
		}
	}
	if inserted {
		l.append(Record{Type: "signal", At: time.Now(), Data: ev})
	}
	return inserted, nil
}

// forget removes a signature from the dedup set after a failed persist.
func (l *Log) forget(sig string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, sig)
	for i := len(l.seenOrder) - 1; i >= 0; i-- {
		if l.seenOrder[i] == sig {
			l.seenOrder = append(l.seenOrder[:i], l.seenOrder[i+1:]...)
			break
		}
	}
}

// RecordScoredSignal appends a scoring verdict.
func (l *Log) RecordScoredSignal(ctx context.Context, sig models.ScoredSignal) {
	if l.store != nil {
		if err := l.store.SaveScoredSignal(ctx, sig); err != nil {
			log.Printf("[EventLog] Failed to persist scored signal %s: %v", sig.Event.TxSignature, err)
		}
	}
	l.append(Record{Type: "scored_signal", At: time.Now(), Data: sig})
}

// RecordOrder appends an order state. Called once per status change.
func (l *Log) RecordOrder(ctx context.Context, o models.Order, priority models.Priority) {
	if l.store != nil {
		if err := l.store.SaveOrder(ctx, o, priority); err != nil {
			log.Printf("[EventLog] Failed to persist order %s: %v", o.ID, err)
		}
	}
	l.append(Record{Type: "order", At: time.Now(), Data: o})
}

// RecordPosition appends a position snapshot after a state transition.
func (l *Log) RecordPosition(ctx context.Context, p models.Position) {
	if l.store != nil {
		if err := l.store.SavePosition(ctx, p); err != nil {
			log.Printf("[EventLog] Failed to persist position %s: %v", p.ID, err)
		}
	}
	l.append(Record{Type: "position", At: time.Now(), Data: p})
}

// RecordBreakerEvent appends a breaker transition.
func (l *Log) RecordBreakerEvent(ctx context.Context, ev models.BreakerEvent) {
	if l.store != nil {
		if err := l.store.SaveBreakerEvent(ctx, ev); err != nil {
			log.Printf("[EventLog] Failed to persist breaker event: %v", err)
		}
	}
	l.append(Record{Type: "breaker", At: time.Now(), Data: ev})
}

// Recent returns the most recent records, newest first.
func (l *Log) Recent(limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	start := len(l.history) - limit
	result := make([]Record, limit)
	for i := 0; i < limit; i++ {
		result[i] = l.history[start+limit-1-i]
	}
	return result
}

func (l *Log) append(rec Record) {
	l.mu.Lock()
	l.history = append(l.history, rec)
	if len(l.history) > l.maxHistory {
		l.history = l.history[len(l.history)-l.maxHistory:]
	}
	l.mu.Unlock()

	if l.broadcaster != nil {
		payload, err := json.Marshal(rec)
		if err != nil {
			log.Printf("[EventLog] Failed to marshal %s record: %v", rec.Type, err)
			return
		}
		l.broadcaster.Broadcast(payload)
	}
}
