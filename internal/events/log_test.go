package events

import (
	"context"
	"errors"
	"testing"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// dedupStore mimics the tx-signature uniqueness of the database layer.
type dedupStore struct {
	seen map[string]bool
}

func newDedupStore() *dedupStore {
	return &dedupStore{seen: make(map[string]bool)}
}

func (s *dedupStore) SaveSwapEvent(ctx context.Context, ev models.SwapEvent) (bool, error) {
	if s.seen[ev.TxSignature] {
		return false, nil
	}
	s.seen[ev.TxSignature] = true
	return true, nil
}

func (s *dedupStore) SaveScoredSignal(ctx context.Context, sig models.ScoredSignal) error { return nil }
func (s *dedupStore) SaveOrder(ctx context.Context, o models.Order, p models.Priority) error {
	return nil
}
func (s *dedupStore) SaveBreakerEvent(ctx context.Context, ev models.BreakerEvent) error { return nil }
func (s *dedupStore) SavePosition(ctx context.Context, p models.Position) error          { return nil }

type captureBroadcaster struct {
	messages [][]byte
}

func (b *captureBroadcaster) Broadcast(data []byte) {
	b.messages = append(b.messages, data)
}

func TestRecordSwapEvent_DeduplicatesOnRedelivery(t *testing.T) {
	l := NewLog(newDedupStore(), nil)
	ev := models.SwapEvent{TxSignature: "sig-1", Wallet: "w", Token: "t"}

	inserted, err := l.RecordSwapEvent(context.Background(), ev)
	if err != nil || !inserted {
		t.Fatalf("first delivery must insert: inserted=%v err=%v", inserted, err)
	}

	inserted, err = l.RecordSwapEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("redelivery must not error: %v", err)
	}
	if inserted {
		t.Fatalf("redelivery must report already-seen")
	}

	if got := len(l.Recent(0)); got != 1 {
		t.Fatalf("redelivery must not append to history, have %d records", got)
	}
}

// flakyStore fails a scripted number of saves before behaving.
type flakyStore struct {
	*dedupStore
	failures int
}

func (s *flakyStore) SaveSwapEvent(ctx context.Context, ev models.SwapEvent) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset")
	}
	return s.dedupStore.SaveSwapEvent(ctx, ev)
}

func TestRecordSwapEvent_StoreFailureAllowsRedelivery(t *testing.T) {
	store := &flakyStore{dedupStore: newDedupStore(), failures: 1}
	l := NewLog(store, nil)
	ev := models.SwapEvent{TxSignature: "sig-1", Wallet: "w", Token: "t"}

	if _, err := l.RecordSwapEvent(context.Background(), ev); err == nil {
		t.Fatalf("first delivery must surface the store error")
	}

	inserted, err := l.RecordSwapEvent(context.Background(), ev)
	if err != nil || !inserted {
		t.Fatalf("redelivery after a store failure must insert: inserted=%v err=%v", inserted, err)
	}
	if !store.seen["sig-1"] {
		t.Fatalf("redelivery never reached the store")
	}
	if got := len(l.Recent(0)); got != 1 {
		t.Fatalf("exactly one history record expected, got %d", got)
	}
}

func TestRecordSwapEvent_DeduplicatesWithoutStore(t *testing.T) {
	l := NewLog(nil, nil)
	ev := models.SwapEvent{TxSignature: "sig-1"}

	if inserted, _ := l.RecordSwapEvent(context.Background(), ev); !inserted {
		t.Fatalf("first delivery must insert")
	}
	if inserted, _ := l.RecordSwapEvent(context.Background(), ev); inserted {
		t.Fatalf("in-memory dedup must catch redelivery when no store is configured")
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	l := NewLog(nil, nil)
	for _, sig := range []string{"a", "b", "c"} {
		l.RecordSwapEvent(context.Background(), models.SwapEvent{TxSignature: sig})
	}

	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	first := recent[0].Data.(models.SwapEvent)
	second := recent[1].Data.(models.SwapEvent)
	if first.TxSignature != "c" || second.TxSignature != "b" {
		t.Fatalf("expected newest first, got %s then %s", first.TxSignature, second.TxSignature)
	}
}

func TestHistory_Bounded(t *testing.T) {
	l := NewLog(nil, nil)
	l.maxHistory = 5
	for i := 0; i < 20; i++ {
		l.RecordOrder(context.Background(), models.Order{ID: "o"}, models.PriorityNormal)
	}

	if got := len(l.Recent(0)); got != 5 {
		t.Fatalf("history must cap at 5, got %d", got)
	}
}

func TestRecord_FansOutToBroadcaster(t *testing.T) {
	b := &captureBroadcaster{}
	l := NewLog(nil, b)

	l.RecordBreakerEvent(context.Background(), models.BreakerEvent{Active: true, Reason: "test"})

	if len(b.messages) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(b.messages))
	}
}
