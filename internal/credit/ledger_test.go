package credit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
	"github.com/MikeSquared-Agency/vibereport/internal/testutil"
)

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureSink) Add(e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.EventType
	}
	return out
}

func TestConsume_DecrementsAndEmits(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 2)
	sink := &captureSink{}
	l := NewLedger(ms, sink)

	balance, err := l.Consume(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 1 {
		t.Errorf("expected balance 1, got %d", balance)
	}

	types := sink.types()
	if len(types) != 1 || types[0] != audit.TypeCreditConsumed {
		t.Errorf("expected one credit.consumed event, got %v", types)
	}
}

func TestConsume_RefusesAtZero(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 0)
	l := NewLedger(ms, nil)

	_, err := l.Consume(context.Background(), "u1")
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := ms.Balance("u1"); got != 0 {
		t.Errorf("balance should be untouched, got %d", got)
	}
}

func TestConsume_NeverBelowZero(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 3)
	l := NewLedger(ms, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Consume(context.Background(), "u1")
		}()
	}
	wg.Wait()

	if got := ms.Balance("u1"); got != 0 {
		t.Errorf("expected balance 0 after concurrent consumes, got %d", got)
	}
}

func TestGrant_AddsAndEmits(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 2)
	sink := &captureSink{}
	l := NewLedger(ms, sink)

	balance, err := l.Grant(context.Background(), "u1", 15, "stripe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 17 {
		t.Errorf("expected balance 17, got %d", balance)
	}

	types := sink.types()
	if len(types) != 1 || types[0] != audit.TypeCreditGranted {
		t.Errorf("expected one credit.granted event, got %v", types)
	}
	if src := sink.events[0].Source; src != "stripe" {
		t.Errorf("expected source stripe, got %s", src)
	}
}

func TestGrant_UnknownAccount(t *testing.T) {
	ms := testutil.NewMockStore()
	sink := &captureSink{}
	l := NewLedger(ms, sink)

	_, err := l.Grant(context.Background(), "nobody", 5, "stripe")
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if len(sink.types()) != 0 {
		t.Error("no event should be emitted on failure")
	}
}

func TestHasCredit(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("rich", 5)
	ms.SetAccount("broke", 0)
	l := NewLedger(ms, nil)

	if ok, err := l.HasCredit(context.Background(), "rich"); err != nil || !ok {
		t.Errorf("expected rich to have credit, got %v %v", ok, err)
	}
	if ok, err := l.HasCredit(context.Background(), "broke"); err != nil || ok {
		t.Errorf("expected broke to have no credit, got %v %v", ok, err)
	}
	if _, err := l.HasCredit(context.Background(), "nobody"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}
